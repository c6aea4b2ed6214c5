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

package cow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/blkdev"
	"coriolis-cow-engine/internal/diffstore"
	"coriolis-cow-engine/internal/events"
	"coriolis-cow-engine/internal/types"
)

var testParams = Params{
	ChunkMinShift:   17, // 128 KiB, 256 sectors
	ChunkMaxCount:   1 << 20,
	ChunkMaxInCache: 32,
	BufferPoolSize:  8,
}

func newTestDevice(t *testing.T, sectors uint64) *blkdev.Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev.img")
	require.NoError(t, os.WriteFile(path, make([]byte, sectors<<types.SectorShift), 0o600))
	dev, err := blkdev.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

// fillSectors stamps every sector in the range with the given byte.
func fillSectors(t *testing.T, dev *blkdev.Device, start, count uint64, fill byte) {
	t.Helper()
	buf := make([]byte, count<<types.SectorShift)
	for i := range buf {
		buf[i] = fill
	}
	require.NoError(t, dev.WriteSectors(start, buf))
}

func newTestAllocator(t *testing.T, sectors uint64, queue *events.Queue) *diffstore.Allocator {
	t.Helper()
	dev := newTestDevice(t, sectors)
	alloc := diffstore.NewAllocator(dev, types.DevID{Major: 7, Minor: 0}, queue, 0)
	alloc.AddRanges([]types.BlockRange{{Offset: 0, Count: sectors}})
	return alloc
}

func newTestArea(t *testing.T, origin *blkdev.Device, storage *diffstore.Allocator, queue *events.Queue, params Params) *DiffArea {
	t.Helper()
	area, err := NewArea(origin, types.DevID{Major: 8, Minor: 1}, storage, queue, params)
	require.NoError(t, err)
	t.Cleanup(func() { area.Close() })
	return area
}

func chunkState(c *chunk) uint32 {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.state
}

func waitForState(t *testing.T, c *chunk, flags uint32) {
	t.Helper()
	require.Eventually(t, func() bool {
		return chunkState(c)&flags != 0
	}, 5*time.Second, time.Millisecond)
}

func TestWritePreservesOverlappingChunksOnly(t *testing.T) {
	origin := newTestDevice(t, 10000)
	fillSectors(t, origin, 0, 10000, 0xaa)
	queue := events.NewQueue()
	area := newTestArea(t, origin, newTestAllocator(t, 10240, queue), queue, testParams)

	// Sectors [300, 400) fall entirely inside the second chunk.
	require.NoError(t, area.CopyOnWrite(300, 100, true))
	waitForState(t, area.chunks[1], chunkStStoreReady)
	assert.Zero(t, chunkState(area.chunks[0]))
	assert.Zero(t, chunkState(area.chunks[2]))

	// Overwrite the origin, then check the image still serves the
	// capture time contents.
	fillSectors(t, origin, 300, 100, 0xbb)

	got := make([]byte, types.SectorSize)
	_, err := area.ImageRead(300<<types.SectorShift, got)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), got[0])
	assert.Equal(t, byte(0xaa), got[types.SectorSize-1])

	// Untouched chunks pass reads through to the origin.
	fillSectors(t, origin, 600, 1, 0xcc)
	_, err = area.ImageRead(600<<types.SectorShift, got)
	require.NoError(t, err)
	assert.Equal(t, byte(0xcc), got[0])
}

func TestCopyOnWriteIsIdempotent(t *testing.T) {
	origin := newTestDevice(t, 2048)
	queue := events.NewQueue()
	alloc := newTestAllocator(t, 4096, queue)
	area := newTestArea(t, origin, alloc, queue, testParams)

	require.NoError(t, area.CopyOnWrite(0, 256, true))
	waitForState(t, area.chunks[0], chunkStStoreReady)
	allocated := alloc.AllocatedSectors()

	require.NoError(t, area.CopyOnWrite(0, 256, true))
	require.NoError(t, area.CopyOnWrite(10, 20, true))
	assert.Equal(t, allocated, alloc.AllocatedSectors())
}

func TestInMemoryModeKeepsBuffers(t *testing.T) {
	origin := newTestDevice(t, 2048)
	fillSectors(t, origin, 0, 2048, 0x11)
	queue := events.NewQueue()
	area := newTestArea(t, origin, nil, queue, testParams)

	require.NoError(t, area.CopyOnWrite(0, 512, true))
	fillSectors(t, origin, 0, 512, 0x22)

	got := make([]byte, types.SectorSize)
	_, err := area.ImageRead(0, got)
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), got[0])

	// Buffers are never written out or parked for eviction.
	st := chunkState(area.chunks[0])
	assert.NotZero(t, st&chunkStBufferReady)
	assert.Zero(t, st&(chunkStStoring|chunkStStoreReady|chunkStInCache))
}

func TestStorageExhaustionCorruptsArea(t *testing.T) {
	origin := newTestDevice(t, 2048)
	queue := events.NewQueue()
	dev := newTestDevice(t, 64)
	alloc := diffstore.NewAllocator(dev, types.DevID{Major: 7, Minor: 0}, queue, 0)
	// No ranges registered, every allocation fails.
	area := newTestArea(t, origin, alloc, queue, testParams)

	err := area.CopyOnWrite(0, 256, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, &vErrors.ErrCorrupted{})
	assert.True(t, area.IsCorrupted())

	// Later preservation attempts fail fast.
	err = area.CopyOnWrite(512, 10, true)
	assert.ErrorIs(t, err, &vErrors.ErrCorrupted{})

	ctx := context.Background()
	ev, err := queue.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.EventCodeLowSpace, ev.Code)
	var lowSpace types.LowSpacePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &lowSpace))
	assert.Equal(t, uint64(256), lowSpace.RequestedSectors)

	ev, err = queue.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.EventCodeCorrupted, ev.Code)
}

func TestNoWaitFailsWithExhaustedBufferPool(t *testing.T) {
	origin := newTestDevice(t, 2048)
	queue := events.NewQueue()
	params := testParams
	params.BufferPoolSize = 0
	area := newTestArea(t, origin, newTestAllocator(t, 4096, queue), queue, params)

	err := area.CopyOnWrite(0, 256, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, &vErrors.WouldBlockError{})
	assert.Zero(t, chunkState(area.chunks[0]))

	// A blocking resubmission of the same write succeeds.
	require.NoError(t, area.CopyOnWrite(0, 256, true))
	waitForState(t, area.chunks[0], chunkStStoreReady)
}

func TestCacheEvictionBoundsBuffers(t *testing.T) {
	origin := newTestDevice(t, 256*16)
	fillSectors(t, origin, 0, 256*16, 0x55)
	queue := events.NewQueue()
	params := testParams
	params.ChunkMaxInCache = 2
	area := newTestArea(t, origin, newTestAllocator(t, 256*32, queue), queue, params)

	require.NoError(t, area.CopyOnWrite(0, 256*10, true))
	fillSectors(t, origin, 0, 256*10, 0x66)

	require.Eventually(t, func() bool {
		buffered := 0
		for _, c := range area.chunks {
			c.mux.Lock()
			if c.buffer != nil {
				buffered++
			}
			c.mux.Unlock()
		}
		return buffered <= params.ChunkMaxInCache
	}, 5*time.Second, time.Millisecond)

	// Evicted chunks still serve capture time data, now from the
	// difference storage.
	got := make([]byte, types.SectorSize)
	for inx := uint64(0); inx < 10; inx++ {
		_, err := area.ImageRead(inx*256<<types.SectorShift, got)
		require.NoError(t, err)
		assert.Equal(t, byte(0x55), got[0], "chunk %d", inx)
	}
}

func TestImageWriteDoesNotTouchOrigin(t *testing.T) {
	origin := newTestDevice(t, 2048)
	fillSectors(t, origin, 0, 2048, 0x0f)
	queue := events.NewQueue()
	area := newTestArea(t, origin, newTestAllocator(t, 4096, queue), queue, testParams)

	payload := []byte("snapshot side write")
	offset := uint64(300 << types.SectorShift)
	n, err := area.ImageWrite(offset, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	_, err = area.ImageRead(offset, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// The origin keeps its own data.
	check := make([]byte, types.SectorSize)
	require.NoError(t, origin.ReadSectors(300, check))
	assert.Equal(t, byte(0x0f), check[0])
}

func TestImageReadCrossesChunkBoundary(t *testing.T) {
	origin := newTestDevice(t, 2048)
	fillSectors(t, origin, 0, 256, 0x01)
	fillSectors(t, origin, 256, 256, 0x02)
	queue := events.NewQueue()
	area := newTestArea(t, origin, newTestAllocator(t, 4096, queue), queue, testParams)

	require.NoError(t, area.CopyOnWrite(250, 12, true))
	fillSectors(t, origin, 250, 12, 0xff)

	got := make([]byte, 2*types.SectorSize)
	_, err := area.ImageRead(255<<types.SectorShift, got)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), got[0])
	assert.Equal(t, byte(0x02), got[types.SectorSize])
}

func TestImageIOClampsToCapacity(t *testing.T) {
	origin := newTestDevice(t, 1024)
	queue := events.NewQueue()
	area := newTestArea(t, origin, newTestAllocator(t, 2048, queue), queue, testParams)

	capBytes := uint64(1024) << types.SectorShift
	buf := make([]byte, 2*types.SectorSize)

	n, err := area.ImageRead(capBytes-uint64(types.SectorSize), buf)
	require.NoError(t, err)
	assert.Equal(t, types.SectorSize, n)

	_, err = area.ImageRead(capBytes, buf)
	assert.ErrorIs(t, err, &vErrors.ErrOutOfRange{})
}

func TestWriteAfterCloseDoesNotHang(t *testing.T) {
	origin := newTestDevice(t, 10000)
	queue := events.NewQueue()
	area := newTestArea(t, origin, newTestAllocator(t, 10240, queue), queue, testParams)

	require.NoError(t, area.Close())

	// A write intercepted after teardown must pass straight through,
	// not queue async IO for workers that are gone.
	done := make(chan error, 1)
	go func() {
		done <- area.CopyOnWrite(0, 256, true)
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("write held back by a torn down area")
	}
	assert.Zero(t, chunkState(area.chunks[0]))

	_, err := area.ImageRead(0, make([]byte, types.SectorSize))
	assert.ErrorIs(t, err, &vErrors.NotFoundError{})
}

func TestCloseQuiescesInFlightWrites(t *testing.T) {
	origin := newTestDevice(t, 256*16)
	queue := events.NewQueue()
	area := newTestArea(t, origin, newTestAllocator(t, 256*32, queue), queue, testParams)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(inx uint64) {
			defer wg.Done()
			for j := 0; j < 16; j++ {
				assert.NoError(t, area.CopyOnWrite(inx*256, 256, true))
			}
		}(uint64(i))
	}
	require.NoError(t, area.Close())
	wg.Wait()
	assert.False(t, area.IsCorrupted())
}
