package cbt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/types"
)

const (
	testMinShift = 12 // 4 KiB tracking blocks
	testMaxCount = 1024
)

func TestBlockSizeDerivation(t *testing.T) {
	tests := []struct {
		name          string
		capacity      uint64
		maxCount      uint64
		wantBlockSize uint32
		wantCount     uint64
	}{
		{
			name:          "small device keeps minimum shift",
			capacity:      8192, // 4 MiB
			maxCount:      1024,
			wantBlockSize: 1 << testMinShift,
			wantCount:     1024,
		},
		{
			name:          "block size doubles until count fits",
			capacity:      32768, // 16 MiB
			maxCount:      1024,
			wantBlockSize: 1 << (testMinShift + 2),
			wantCount:     1024,
		},
		{
			name:          "partial trailing block rounds up",
			capacity:      100,
			maxCount:      1024,
			wantBlockSize: 1 << testMinShift,
			wantCount:     13,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMap(tc.capacity, testMinShift, tc.maxCount)
			info := m.Info(types.DevID{Major: 8, Minor: 0})
			assert.Equal(t, tc.wantBlockSize, info.BlockSize)
			assert.Equal(t, tc.wantCount, info.BlockCount)
			assert.Equal(t, tc.capacity, info.DevCapacity)
		})
	}
}

func TestMarkIsMonotonic(t *testing.T) {
	m := NewMap(8192, testMinShift, testMaxCount)

	// Generation 1 stamps the block.
	require.NoError(t, m.Mark(0, 8))
	m.Switch()

	// Generation 2 raises the watermark.
	require.NoError(t, m.Mark(0, 8))

	m.Switch()
	window, err := m.Read(0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(2), window[0])

	// Marking again with the same range in a later generation never
	// regresses blocks already stamped higher.
	require.NoError(t, m.Mark(0, 8))
	m.Switch()
	window, err = m.Read(0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(3), window[0])
}

func TestMarkStampsAllOverlappingBlocks(t *testing.T) {
	m := NewMap(8192, testMinShift, testMaxCount)
	blockSectors := uint64(1) << (testMinShift - types.SectorShift)

	// A range straddling the boundary of blocks 2 and 3.
	require.NoError(t, m.Mark(2*blockSectors+1, blockSectors))
	m.Switch()

	window, err := m.Read(0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 1, 1, 0, 0, 0, 0}, window)
}

func TestMarkOutOfRangeSetsStickyCorruption(t *testing.T) {
	m := NewMap(100, testMinShift, testMaxCount)

	err := m.Mark(1<<20, 8)
	require.Error(t, err)
	assert.ErrorIs(t, err, &vErrors.ErrOutOfRange{})
	assert.True(t, m.IsCorrupted())

	// Corruption is sticky: every subsequent operation fails.
	err = m.Mark(0, 1)
	assert.ErrorIs(t, err, &vErrors.ErrCorrupted{})
	_, err = m.Read(0, 1)
	assert.ErrorIs(t, err, &vErrors.ErrCorrupted{})

	// An explicit reset recovers the map.
	m.Reset(100)
	assert.False(t, m.IsCorrupted())
	assert.NoError(t, m.Mark(0, 1))
}

func TestMarkBothStampsBothGenerations(t *testing.T) {
	m := NewMap(8192, testMinShift, testMaxCount)

	require.NoError(t, m.Mark(0, 8))
	m.Switch()

	// A write landing on the snapshot image marks both the live map
	// (generation 2) and the exposed map (generation 1).
	require.NoError(t, m.MarkBoth(64, 8))

	window, err := m.Read(0, 16)
	require.NoError(t, err)
	assert.Equal(t, byte(1), window[0])
	assert.Equal(t, byte(1), window[64>>(testMinShift-types.SectorShift)])

	m.Switch()
	window, err = m.Read(0, 16)
	require.NoError(t, err)
	assert.Equal(t, byte(2), window[64>>(testMinShift-types.SectorShift)])
}

func TestGenerationWraparound(t *testing.T) {
	m := NewMap(8192, testMinShift, testMaxCount)
	initialGeneration := m.Info(types.DevID{}).GenerationID

	require.NoError(t, m.Mark(0, 8))

	// 254 switches move the active generation from 1 to 255.
	for i := 0; i < 254; i++ {
		m.Switch()
		require.NoError(t, m.Mark(0, 8))
	}
	window, err := m.Read(0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(254), window[0])

	// The 255th switch wraps: active resets to 1, the write map is
	// zeroed and the generation identifier changes.
	m.Switch()
	info := m.Info(types.DevID{})
	assert.Equal(t, byte(255), info.SnapNumber)
	assert.NotEqual(t, initialGeneration, info.GenerationID)

	m.Switch()
	window, err = m.Read(0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0), window[0], "active bitmap must be zeroed after wraparound")
}

func TestReadClampsWindow(t *testing.T) {
	m := NewMap(100, testMinShift, testMaxCount)

	window, err := m.Read(10, 1024)
	require.NoError(t, err)
	assert.Len(t, window, 3)

	_, err = m.Read(1024, 1)
	assert.ErrorIs(t, err, &vErrors.ErrOutOfRange{})
}

func TestResetChangesCapacityAndGeneration(t *testing.T) {
	m := NewMap(8192, testMinShift, testMaxCount)
	require.NoError(t, m.Mark(0, 8))
	before := m.Info(types.DevID{})

	m.Reset(16384)
	after := m.Info(types.DevID{})

	assert.Equal(t, uint64(16384), after.DevCapacity)
	assert.NotEqual(t, before.GenerationID, after.GenerationID)
	assert.Equal(t, byte(0), after.SnapNumber)

	m.Switch()
	window, err := m.Read(0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0), window[0])
}

func TestMarkDirtyBlocks(t *testing.T) {
	m := NewMap(8192, testMinShift, testMaxCount)
	blockSectors := uint64(1) << (testMinShift - types.SectorShift)

	err := m.MarkDirtyBlocks([]types.BlockRange{
		{Offset: 0, Count: 1},
		{Offset: 4 * blockSectors, Count: blockSectors},
	})
	require.NoError(t, err)

	window, err := m.Read(0, 8)
	require.NoError(t, err)
	assert.Equal(t, byte(0), window[0], "previous generation is 0 before the first capture")

	m.Switch()
	window, err = m.Read(0, 8)
	require.NoError(t, err)
	assert.Equal(t, byte(1), window[0])
	assert.Equal(t, byte(1), window[4])
	assert.Equal(t, byte(0), window[3])
}
