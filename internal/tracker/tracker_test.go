// Coriolis COW engine
// Copyright (C) 2026 Cloudbase Solutions SRL
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package tracker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/blkdev"
	"coriolis-cow-engine/internal/cow"
	"coriolis-cow-engine/internal/diffstore"
	"coriolis-cow-engine/internal/events"
	"coriolis-cow-engine/internal/types"
)

var (
	testCBTParams = CBTParams{
		BlockMinShift: 16, // 64 KiB, 128 sectors
		BlockMaxCount: 1024,
	}
	testCowParams = cow.Params{
		ChunkMinShift:   17, // 128 KiB, 256 sectors
		ChunkMaxCount:   1 << 20,
		ChunkMaxInCache: 32,
		BufferPoolSize:  8,
	}
)

func newTestFile(t *testing.T, sectors uint64) (string, *blkdev.Device) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev.img")
	require.NoError(t, os.WriteFile(path, make([]byte, sectors<<types.SectorShift), 0o600))
	dev, err := blkdev.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return path, dev
}

func newTestTracker(t *testing.T, sectors uint64, queue *events.Queue) (string, *Tracker) {
	t.Helper()
	path, dev := newTestFile(t, sectors)
	trk, err := New(dev, types.DevID{Major: 8, Minor: 16}, queue, testCBTParams)
	require.NoError(t, err)
	return path, trk
}

func newTestStorage(t *testing.T, sectors uint64, queue *events.Queue) *diffstore.Allocator {
	t.Helper()
	_, dev := newTestFile(t, sectors)
	alloc := diffstore.NewAllocator(dev, types.DevID{Major: 7, Minor: 0}, queue, 0)
	alloc.AddRanges([]types.BlockRange{{Offset: 0, Count: sectors}})
	return alloc
}

func fillSectors(t *testing.T, dev *blkdev.Device, start, count uint64, fill byte) {
	t.Helper()
	buf := make([]byte, count<<types.SectorShift)
	for i := range buf {
		buf[i] = fill
	}
	require.NoError(t, dev.WriteSectors(start, buf))
}

func TestInterceptWriteMarksCBT(t *testing.T) {
	queue := events.NewQueue()
	_, trk := newTestTracker(t, 4096, queue)

	// Sector 300 falls in tracking block 2.
	require.NoError(t, trk.InterceptWrite(300, 10, true))

	_, err := trk.Capture(nil, testCowParams)
	require.NoError(t, err)
	defer trk.Release()

	blocks, err := trk.ReadCBT(0, 32)
	require.NoError(t, err)
	require.Len(t, blocks, 32)
	assert.Equal(t, byte(0), blocks[0])
	assert.Equal(t, byte(1), blocks[2])

	info := trk.CBTInfo()
	assert.Equal(t, byte(1), info.SnapNumber)
	assert.Equal(t, uint64(32), info.BlockCount)
	assert.Equal(t, uint32(1<<16), info.BlockSize)
}

func TestCaptureSnapshotPreservesData(t *testing.T) {
	queue := events.NewQueue()
	_, trk := newTestTracker(t, 4096, queue)
	fillSectors(t, trk.Device(), 0, 4096, 0xaa)

	image, err := trk.Capture(newTestStorage(t, 8192, queue), testCowParams)
	require.NoError(t, err)
	require.True(t, trk.IsCaptured())

	require.NoError(t, trk.InterceptWrite(300, 100, true))
	fillSectors(t, trk.Device(), 300, 100, 0xbb)

	got := make([]byte, types.SectorSize)
	_, err = image.ReadAt(got, 300<<types.SectorShift)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), got[0])

	require.NoError(t, trk.Release())
	assert.False(t, trk.IsCaptured())

	// The origin sees the new data.
	require.NoError(t, trk.Device().ReadSectors(300, got))
	assert.Equal(t, byte(0xbb), got[0])
}

func TestInterceptWriteSurvivesStorageExhaustion(t *testing.T) {
	queue := events.NewQueue()
	_, trk := newTestTracker(t, 4096, queue)

	_, dev := newTestFile(t, 64)
	empty := diffstore.NewAllocator(dev, types.DevID{Major: 7, Minor: 0}, queue, 0)
	image, err := trk.Capture(empty, testCowParams)
	require.NoError(t, err)
	defer trk.Release()

	// Preservation fails for lack of storage, the production write
	// itself must still be waved through.
	require.NoError(t, trk.InterceptWrite(0, 256, true))

	// The snapshot data is gone.
	_, err = image.ReadAt(make([]byte, types.SectorSize), 0)
	assert.ErrorIs(t, err, &vErrors.ErrCorrupted{})

	ev, err := queue.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.EventCodeLowSpace, ev.Code)
	ev, err = queue.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.EventCodeCorrupted, ev.Code)
}

func TestInterceptWriteNoWaitPropagatesWouldBlock(t *testing.T) {
	queue := events.NewQueue()
	_, trk := newTestTracker(t, 4096, queue)

	params := testCowParams
	params.BufferPoolSize = 0
	_, err := trk.Capture(newTestStorage(t, 8192, queue), params)
	require.NoError(t, err)
	defer trk.Release()

	err = trk.InterceptWrite(0, 256, false)
	assert.ErrorIs(t, err, &vErrors.WouldBlockError{})

	// Resubmitted from a blocking context it goes through.
	require.NoError(t, trk.InterceptWrite(0, 256, true))
}

func TestCaptureWhileCaptured(t *testing.T) {
	queue := events.NewQueue()
	_, trk := newTestTracker(t, 4096, queue)

	_, err := trk.Capture(nil, testCowParams)
	require.NoError(t, err)
	defer trk.Release()

	_, err = trk.Capture(nil, testCowParams)
	assert.ErrorIs(t, err, &vErrors.ConflictError{})
}

func TestReleaseWithoutCapture(t *testing.T) {
	queue := events.NewQueue()
	_, trk := newTestTracker(t, 4096, queue)
	assert.ErrorIs(t, trk.Release(), &vErrors.NotFoundError{})
}

func TestResizeResetsCBT(t *testing.T) {
	queue := events.NewQueue()
	path, trk := newTestTracker(t, 4096, queue)

	_, err := trk.Capture(nil, testCowParams)
	require.NoError(t, err)
	before := trk.CBTInfo()
	require.NoError(t, trk.Release())

	// Grow the device, the next capture must start a new generation
	// sized for the new capacity.
	require.NoError(t, os.Truncate(path, int64(8192)<<types.SectorShift))

	_, err = trk.Capture(nil, testCowParams)
	require.NoError(t, err)
	defer trk.Release()

	after := trk.CBTInfo()
	assert.Equal(t, uint64(8192), after.DevCapacity)
	assert.Equal(t, uint64(64), after.BlockCount)
	assert.NotEqual(t, before.GenerationID, after.GenerationID)
	assert.Equal(t, byte(1), after.SnapNumber)
}

func TestSnapNumberAdvancesAcrossCaptures(t *testing.T) {
	queue := events.NewQueue()
	_, trk := newTestTracker(t, 4096, queue)

	for i := 1; i <= 3; i++ {
		_, err := trk.Capture(nil, testCowParams)
		require.NoError(t, err)
		assert.Equal(t, byte(i), trk.CBTInfo().SnapNumber)
		require.NoError(t, trk.Release())
	}
}

func TestMarkDirtyBlocks(t *testing.T) {
	queue := events.NewQueue()
	_, trk := newTestTracker(t, 4096, queue)

	require.NoError(t, trk.MarkDirtyBlocks([]types.BlockRange{
		{Offset: 0, Count: 10},
		{Offset: 1000, Count: 128},
	}))

	_, err := trk.Capture(nil, testCowParams)
	require.NoError(t, err)
	defer trk.Release()

	blocks, err := trk.ReadCBT(0, 32)
	require.NoError(t, err)
	assert.Equal(t, byte(1), blocks[0])
	assert.Equal(t, byte(1), blocks[7])
	assert.Equal(t, byte(1), blocks[8])
	assert.Equal(t, byte(0), blocks[1])
}

func TestImageWriteMarksBothGenerations(t *testing.T) {
	queue := events.NewQueue()
	_, trk := newTestTracker(t, 4096, queue)

	image, err := trk.Capture(newTestStorage(t, 8192, queue), testCowParams)
	require.NoError(t, err)

	payload := make([]byte, types.SectorSize)
	_, err = image.WriteAt(payload, 300<<types.SectorShift)
	require.NoError(t, err)
	require.NoError(t, trk.Release())

	// The frozen map carries the stamp of the generation it froze at.
	blocks, err := trk.ReadCBT(0, 32)
	require.NoError(t, err)
	assert.Equal(t, byte(1), blocks[2])

	// The write generation carries the mark into the next capture.
	_, err = trk.Capture(nil, testCowParams)
	require.NoError(t, err)
	defer trk.Release()
	blocks, err = trk.ReadCBT(0, 32)
	require.NoError(t, err)
	assert.Equal(t, byte(2), blocks[2])
}

func TestReleaseRacingInterceptedWrites(t *testing.T) {
	queue := events.NewQueue()
	_, trk := newTestTracker(t, 4096, queue)
	_, err := trk.Capture(newTestStorage(t, 8192, queue), testCowParams)
	require.NoError(t, err)

	// Writes submitted while the capture is torn down must all
	// complete; with the area gone they simply pass through.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(0); i < 64; i++ {
			assert.NoError(t, trk.InterceptWrite(i*64, 64, true))
		}
	}()
	require.NoError(t, trk.Release())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("intercepted writes stuck behind a released capture")
	}
	assert.False(t, trk.IsCaptured())
}

func TestImageReadClampsAtDeviceEnd(t *testing.T) {
	queue := events.NewQueue()
	_, trk := newTestTracker(t, 1024, queue)
	image, err := trk.Capture(newTestStorage(t, 4096, queue), testCowParams)
	require.NoError(t, err)
	defer trk.Release()

	buf := make([]byte, 2*types.SectorSize)
	n, err := image.ReadAt(buf, image.Size()-int64(types.SectorSize))
	assert.Equal(t, types.SectorSize, n)
	assert.ErrorIs(t, err, io.EOF)

	n, err = image.ReadAt(buf, image.Size())
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}
