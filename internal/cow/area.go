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
	"container/list"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/blkdev"
	"coriolis-cow-engine/internal/diffstore"
	"coriolis-cow-engine/internal/events"
	"coriolis-cow-engine/internal/types"
)

// Params controls chunk sizing and caching for a difference area.
type Params struct {
	// ChunkMinShift is the smallest chunk size, as a power of two
	// exponent in bytes.
	ChunkMinShift uint
	// ChunkMaxCount caps the number of chunks; the chunk size is
	// doubled until the device fits.
	ChunkMaxCount uint64
	// ChunkMaxInCache bounds how many store-ready buffers are kept
	// around for reads before the oldest ones are dropped.
	ChunkMaxInCache int
	// BufferPoolSize is the number of chunk buffers preallocated for
	// contexts that are not allowed to sleep.
	BufferPoolSize int
}

// NewArea sets up copy on write handling for the given origin device.
// A nil storage allocator selects the in-memory mode: preserved chunks
// live in their buffers for the lifetime of the area and are never
// written out or evicted.
func NewArea(origin *blkdev.Device, devID types.DevID, storage *diffstore.Allocator, queue *events.Queue, params Params) (*DiffArea, error) {
	capacity := origin.CapacitySectors()
	if capacity == 0 {
		return nil, vErrors.NewValueError("device %s has zero capacity", origin.Path())
	}
	if params.ChunkMinShift <= types.SectorShift {
		return nil, vErrors.NewValueError("chunk shift %d too small", params.ChunkMinShift)
	}

	shift := params.ChunkMinShift
	count := chunkCountByShift(capacity, shift)
	for count > params.ChunkMaxCount {
		shift++
		count = chunkCountByShift(capacity, shift)
	}

	a := &DiffArea{
		origin:     origin,
		devID:      devID,
		storage:    storage,
		queue:      queue,
		chunkShift: shift,
		chunkCount: count,
		chunks:     make([]*chunk, count),
		pool:       newBufferPool(params.BufferPoolSize, 1<<shift),
		cacheList:  list.New(),
		maxInCache: params.ChunkMaxInCache,
		notifyCh:   make(chan *chunk),
		evictCh:    make(chan struct{}, 1),
		quit:       make(chan struct{}),
	}

	sectors := a.chunkSectors()
	for i := uint64(0); i < count; i++ {
		sectorCount := sectors
		if last := capacity - i*sectors; last < sectorCount {
			sectorCount = last
		}
		a.chunks[i] = &chunk{
			number:      i,
			sectorCount: sectorCount,
		}
	}

	a.workers.Add(2)
	go a.notifyWorker()
	go a.evictWorker()

	log.Printf("difference area for %d:%d: %d chunks of %d sectors",
		devID.Major, devID.Minor, count, sectors)
	return a, nil
}

func chunkCountByShift(capacity uint64, shift uint) uint64 {
	chunkSectors := uint64(1) << (shift - types.SectorShift)
	return (capacity + chunkSectors - 1) / chunkSectors
}

// DiffArea preserves the capture time contents of one origin device at
// chunk granularity. Chunks are copied out lazily, right before the
// first write that would overwrite them.
type DiffArea struct {
	origin  *blkdev.Device
	devID   types.DevID
	storage *diffstore.Allocator
	queue   *events.Queue

	chunkShift uint
	chunkCount uint64
	chunks     []*chunk
	pool       *bufferPool

	cacheMux   sync.Mutex
	cacheList  *list.List
	cacheCount int32
	maxInCache int

	corrMux      sync.Mutex
	corrupted    bool
	corruptedErr error

	// pending counts in flight async chunk operations. Close drains
	// it before stopping the workers.
	pending  sync.WaitGroup
	notifyCh chan *chunk
	evictCh  chan struct{}
	quit     chan struct{}
	workers  sync.WaitGroup

	// closeMux fences CopyOnWrite and image IO against Close: the
	// read side is held for the duration of an operation, Close takes
	// the write side to latch closed. Without it a write intercepted
	// right as the capture is released could queue async IO after the
	// workers are gone and wait on it forever.
	closeMux  sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func (a *DiffArea) chunkSectors() uint64 {
	return uint64(1) << (a.chunkShift - types.SectorShift)
}

// ChunkCount returns the number of chunks covering the origin device.
func (a *DiffArea) ChunkCount() uint64 {
	return a.chunkCount
}

// ChunkSectors returns the chunk size in sectors.
func (a *DiffArea) ChunkSectors() uint64 {
	return a.chunkSectors()
}

// IsCorrupted returns true once any chunk operation has failed.
func (a *DiffArea) IsCorrupted() bool {
	a.corrMux.Lock()
	defer a.corrMux.Unlock()
	return a.corrupted
}

func (a *DiffArea) corruptedError() error {
	a.corrMux.Lock()
	defer a.corrMux.Unlock()
	return vErrors.NewCorruptedError(
		"difference area for device %d:%d is corrupted: %v",
		a.devID.Major, a.devID.Minor, a.corruptedErr)
}

// SetCorrupted latches the area into its failed state. The first call
// wins; later calls are ignored. Production writes to the origin are
// never held back by this, only snapshot data is lost.
func (a *DiffArea) SetCorrupted(err error) {
	a.corrMux.Lock()
	if a.corrupted {
		a.corrMux.Unlock()
		return
	}
	a.corrupted = true
	a.corruptedErr = err
	a.corrMux.Unlock()

	log.Printf("difference area for device %d:%d corrupted: %v",
		a.devID.Major, a.devID.Minor, err)
	if a.queue != nil {
		payload, merr := json.Marshal(types.CorruptedPayload{
			DevID: a.devID,
			Error: err.Error(),
		})
		if merr != nil {
			log.Printf("failed to marshal corrupted payload: %v", merr)
			return
		}
		a.queue.Push(types.EventCodeCorrupted, payload)
	}
}

// CopyOnWrite preserves every chunk overlapping the given sector range
// before the caller is allowed to overwrite it on the origin device.
// With allowBlocking unset nothing ever sleeps: preservation is kicked
// off asynchronously where possible and ErrWouldBlock is returned when
// a lock or buffer could not be taken without waiting, so the caller
// can resubmit from a blocking context. With allowBlocking set the
// call returns only once all overlapping chunks hold a safe copy.
func (a *DiffArea) CopyOnWrite(start, count uint64, allowBlocking bool) error {
	if count == 0 {
		return nil
	}
	if allowBlocking {
		a.closeMux.RLock()
	} else if !a.closeMux.TryRLock() {
		return vErrors.NewWouldBlockError(
			"difference area for device %d:%d is busy",
			a.devID.Major, a.devID.Minor)
	}
	defer a.closeMux.RUnlock()
	if a.closed {
		// Teardown won the race; there is no snapshot left to
		// protect and the write goes ahead.
		return nil
	}
	if a.IsCorrupted() {
		return a.corruptedError()
	}

	sectorsPerChunk := a.chunkShift - types.SectorShift
	first := start >> sectorsPerChunk
	last := (start + count - 1) >> sectorsPerChunk
	if last >= a.chunkCount {
		err := vErrors.NewOutOfRangeError(
			"sector range [%d, %d) beyond device %d:%d",
			start, start+count, a.devID.Major, a.devID.Minor)
		a.SetCorrupted(err)
		return err
	}

	var waits []chan struct{}
	for inx := first; inx <= last; inx++ {
		ld, err := a.ensurePreserved(a.chunks[inx], allowBlocking)
		if err != nil {
			return err
		}
		if ld != nil {
			waits = append(waits, ld)
		}
	}
	if !allowBlocking {
		return nil
	}
	for _, ld := range waits {
		<-ld
	}
	if a.IsCorrupted() {
		return a.corruptedError()
	}
	return nil
}

// ensurePreserved starts preservation of a single chunk if it has not
// been touched yet. It returns a channel that is closed once the
// origin data is safe, or nil when there is nothing to wait for.
func (a *DiffArea) ensurePreserved(c *chunk, allowBlocking bool) (chan struct{}, error) {
	if allowBlocking {
		c.mux.Lock()
	} else if !c.mux.TryLock() {
		return nil, vErrors.NewWouldBlockError("chunk %d is busy", c.number)
	}

	if c.hasState(chunkStFailed) {
		err := c.err
		c.mux.Unlock()
		return nil, vErrors.NewCorruptedError("chunk %d failed: %v", c.number, err)
	}
	if c.hasState(chunkStLoading | chunkStBufferReady | chunkStStoring | chunkStStoreReady) {
		// Already preserved or on its way. The loaded channel of a
		// finished cycle is closed, so waiting on it is free.
		ld := c.loaded
		c.mux.Unlock()
		return ld, nil
	}

	buf, err := a.pool.get(allowBlocking)
	if err != nil {
		c.mux.Unlock()
		return nil, err
	}
	c.buffer = buf
	c.err = nil
	c.state |= chunkStLoading
	c.loaded = make(chan struct{})
	ld := c.loaded
	c.mux.Unlock()

	a.pending.Add(1)
	go a.asyncLoadOrigin(c)
	return ld, nil
}

func (a *DiffArea) asyncLoadOrigin(c *chunk) {
	offset := int64(c.number*a.chunkSectors()) << types.SectorShift
	_, c.err = a.origin.ReadAt(c.buffer.data[:c.sectorCount<<types.SectorShift], offset)
	a.notifyCh <- c
}

func (a *DiffArea) asyncStoreDiff(c *chunk) {
	offset := int64(c.store.Sector) << types.SectorShift
	_, c.err = c.store.Device.WriteAt(c.buffer.data[:c.sectorCount<<types.SectorShift], offset)
	a.notifyCh <- c
}

func (a *DiffArea) notifyWorker() {
	defer a.workers.Done()
	for {
		select {
		case c := <-a.notifyCh:
			a.chunkNotify(c)
			a.pending.Done()
		case <-a.quit:
			return
		}
	}
}

// chunkNotify advances the chunk state machine after an async IO has
// completed.
func (a *DiffArea) chunkNotify(c *chunk) {
	c.mux.Lock()

	if c.err != nil {
		a.chunkFailed(c, c.err)
		return
	}

	if c.hasState(chunkStLoading) {
		c.state &^= chunkStLoading
		c.state |= chunkStBufferReady
		ld := c.loaded

		if a.storage == nil {
			// In-memory mode, the buffer is the store.
			c.mux.Unlock()
			close(ld)
			return
		}
		if c.store == nil {
			ext, err := a.storage.GetExtent(c.sectorCount)
			if err != nil {
				a.chunkFailed(c, err)
				close(ld)
				return
			}
			c.store = ext
		}
		c.state |= chunkStStoring
		c.stored = make(chan struct{})
		c.mux.Unlock()
		// The origin data is safe in the buffer; unblock writers
		// before the store IO settles.
		close(ld)

		a.pending.Add(1)
		go a.asyncStoreDiff(c)
		return
	}

	if c.hasState(chunkStStoring) {
		c.state &^= chunkStStoring
		c.state |= chunkStStoreReady
		st := c.stored
		c.mux.Unlock()
		close(st)
		a.cacheChunk(c)
		return
	}

	c.mux.Unlock()
}

// chunkFailed marks the chunk as terminally failed, releases its
// buffer and propagates corruption to the whole area. The chunk mutex
// must be held on entry and is released.
func (a *DiffArea) chunkFailed(c *chunk, err error) {
	wasLoading := c.hasState(chunkStLoading)
	wasStoring := c.hasState(chunkStStoring)
	c.state &^= chunkStLoading | chunkStStoring | chunkStBufferReady
	c.state |= chunkStFailed
	c.err = err
	buf := c.buffer
	c.buffer = nil
	ld := c.loaded
	st := c.stored
	c.mux.Unlock()

	log.Printf("chunk %d on device %d:%d failed: %v",
		c.number, a.devID.Major, a.devID.Minor, err)
	a.pool.put(buf)
	a.SetCorrupted(err)
	if wasLoading && ld != nil {
		close(ld)
	}
	if wasStoring && st != nil {
		close(st)
	}
}

// cacheChunk parks a store-ready buffer on the eviction list so reads
// can keep hitting memory, and pokes the evict worker when the list
// has grown past the limit.
func (a *DiffArea) cacheChunk(c *chunk) {
	overLimit := false
	a.cacheMux.Lock()
	c.mux.Lock()
	if !c.hasState(chunkStInCache|chunkStFailed) && c.buffer != nil {
		c.state |= chunkStInCache
		c.cacheLink = a.cacheList.PushBack(c)
		overLimit = atomic.AddInt32(&a.cacheCount, 1) > int32(a.maxInCache)
	}
	c.mux.Unlock()
	a.cacheMux.Unlock()

	if overLimit {
		select {
		case a.evictCh <- struct{}{}:
		default:
		}
	}
}

func (a *DiffArea) evictWorker() {
	defer a.workers.Done()
	for {
		select {
		case <-a.evictCh:
			a.evictChunks()
		case <-a.quit:
			return
		}
	}
}

// evictChunks drops the oldest cached buffers until the cache fits the
// limit again. Chunks whose mutex is held are pinned by a concurrent
// read; they are requeued instead of waited on.
func (a *DiffArea) evictChunks() {
	requeued := 0
	for atomic.LoadInt32(&a.cacheCount) > int32(a.maxInCache) {
		a.cacheMux.Lock()
		front := a.cacheList.Front()
		if front == nil {
			a.cacheMux.Unlock()
			return
		}
		c := front.Value.(*chunk)
		a.cacheList.Remove(front)
		c.cacheLink = nil
		a.cacheMux.Unlock()

		if !c.mux.TryLock() {
			a.cacheMux.Lock()
			c.cacheLink = a.cacheList.PushBack(c)
			a.cacheMux.Unlock()
			requeued++
			if requeued > a.maxInCache {
				// Everything left is pinned. The next cache insert
				// will poke us again.
				return
			}
			continue
		}
		buf := c.buffer
		c.buffer = nil
		c.state &^= chunkStBufferReady | chunkStInCache
		c.mux.Unlock()

		a.pool.put(buf)
		atomic.AddInt32(&a.cacheCount, -1)
	}
}

// readChunk copies snapshot data for a byte range within one chunk.
// Data is served from the buffer when present, from the difference
// storage once the buffer was evicted, and straight from the origin
// for chunks that were never written to.
func (a *DiffArea) readChunk(c *chunk, byteOff uint64, p []byte) error {
	for {
		c.mux.Lock()
		if c.hasState(chunkStFailed) {
			err := c.err
			c.mux.Unlock()
			return vErrors.NewCorruptedError("chunk %d failed: %v", c.number, err)
		}
		if c.hasState(chunkStLoading) {
			ld := c.loaded
			c.mux.Unlock()
			<-ld
			continue
		}
		if c.buffer != nil {
			copy(p, c.buffer.data[byteOff:byteOff+uint64(len(p))])
			c.mux.Unlock()
			return nil
		}
		if c.hasState(chunkStStoreReady) && c.store != nil {
			store := c.store
			c.mux.Unlock()
			offset := (int64(store.Sector) << types.SectorShift) + int64(byteOff)
			_, err := store.Device.ReadAt(p, offset)
			return err
		}
		c.mux.Unlock()
		// Untouched since the capture started.
		offset := (int64(c.number*a.chunkSectors()) << types.SectorShift) + int64(byteOff)
		_, err := a.origin.ReadAt(p, offset)
		return err
	}
}

// writeChunk applies a snapshot image write to one chunk. The chunk is
// preserved first so the untouched remainder keeps its capture time
// contents, then both the buffer and the difference storage copy are
// updated so neither goes stale.
func (a *DiffArea) writeChunk(c *chunk, byteOff uint64, p []byte) error {
	ld, err := a.ensurePreserved(c, true)
	if err != nil {
		return err
	}
	if ld != nil {
		<-ld
	}

	for {
		c.mux.Lock()
		if c.hasState(chunkStFailed) {
			err := c.err
			c.mux.Unlock()
			return vErrors.NewCorruptedError("chunk %d failed: %v", c.number, err)
		}
		if c.hasState(chunkStLoading | chunkStStoring) {
			// Let the in flight IO settle so we do not race it.
			ch := c.loaded
			if c.hasState(chunkStStoring) {
				ch = c.stored
			}
			c.mux.Unlock()
			<-ch
			continue
		}
		if c.buffer != nil {
			copy(c.buffer.data[byteOff:], p)
		}
		store := c.store
		storeReady := c.hasState(chunkStStoreReady)
		hadBuffer := c.buffer != nil
		c.mux.Unlock()

		if storeReady && store != nil {
			offset := (int64(store.Sector) << types.SectorShift) + int64(byteOff)
			if _, err := store.Device.WriteAt(p, offset); err != nil {
				return err
			}
			return nil
		}
		if hadBuffer {
			return nil
		}
		return vErrors.NewCorruptedError("chunk %d has no backing data", c.number)
	}
}

// ImageRead serves a read of the snapshot image at an arbitrary byte
// offset.
func (a *DiffArea) ImageRead(offset uint64, p []byte) (int, error) {
	return a.imageIO(offset, p, a.readChunk)
}

// ImageWrite applies a write to the snapshot image at an arbitrary
// byte offset. The origin device is never touched.
func (a *DiffArea) ImageWrite(offset uint64, p []byte) (int, error) {
	return a.imageIO(offset, p, a.writeChunk)
}

func (a *DiffArea) imageIO(offset uint64, p []byte, op func(*chunk, uint64, []byte) error) (int, error) {
	a.closeMux.RLock()
	defer a.closeMux.RUnlock()
	if a.closed {
		return 0, vErrors.NewNotFoundError(
			"difference area for device %d:%d is closed",
			a.devID.Major, a.devID.Minor)
	}
	if a.IsCorrupted() {
		return 0, a.corruptedError()
	}
	capBytes := a.origin.CapacitySectors() << types.SectorShift
	if offset >= capBytes {
		return 0, vErrors.NewOutOfRangeError(
			"offset %d beyond image size %d", offset, capBytes)
	}
	if end := offset + uint64(len(p)); end > capBytes {
		p = p[:capBytes-offset]
	}

	chunkBytes := uint64(1) << a.chunkShift
	done := 0
	for done < len(p) {
		pos := offset + uint64(done)
		inx := pos >> a.chunkShift
		chunkOff := pos & (chunkBytes - 1)
		n := uint64(len(p) - done)
		if room := chunkBytes - chunkOff; n > room {
			n = room
		}
		if err := op(a.chunks[inx], chunkOff, p[done:done+int(n)]); err != nil {
			return done, err
		}
		done += int(n)
	}
	return done, nil
}

// Close waits for in flight chunk IO to settle, stops the workers and
// releases all buffers. Writes intercepted after Close pass straight
// through and image IO fails with a not found error.
func (a *DiffArea) Close() error {
	a.closeOnce.Do(func() {
		// Latching closed waits out every operation holding the read
		// side, so no new async IO can start below.
		a.closeMux.Lock()
		a.closed = true
		a.closeMux.Unlock()

		a.pending.Wait()
		close(a.quit)
		a.workers.Wait()

		for _, c := range a.chunks {
			c.mux.Lock()
			a.pool.put(c.buffer)
			c.buffer = nil
			c.mux.Unlock()
		}
	})
	return nil
}
