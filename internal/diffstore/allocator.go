package diffstore

import (
	"encoding/json"
	"log"
	"sync"

	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/blkdev"
	"coriolis-cow-engine/internal/events"
	"coriolis-cow-engine/internal/types"
)

// Extent is a contiguous range of difference storage, exclusively
// owned by the chunk it was allocated to. Extents stay valid for the
// whole life of the snapshot session; they are only reclaimed
// wholesale when the storage is torn down.
type Extent struct {
	Device *blkdev.Device
	Sector uint64
	Count  uint64
}

// NewAllocator returns an allocator over the given backing storage
// device. The free pool starts empty; the controller registers
// ranges via AddRanges. When free space drops below lowWatermark
// sectors, a low-space event is pushed ahead of a hard failure.
func NewAllocator(dev *blkdev.Device, devID types.DevID, queue *events.Queue, lowWatermark uint64) *Allocator {
	return &Allocator{
		dev:          dev,
		devID:        devID,
		queue:        queue,
		lowWatermark: lowWatermark,
	}
}

// Allocator hands out fixed-size storage extents to chunks and
// signals the controller when space runs low. Append and take
// operations are serialized under a single lock, so controller
// range registration may race chunk allocations freely.
type Allocator struct {
	mux sync.Mutex

	dev   *blkdev.Device
	devID types.DevID
	queue *events.Queue

	free        []types.BlockRange
	freeSectors uint64
	allocated   uint64

	lowWatermark uint64
	lowNotified  bool
}

// Device returns the backing storage device.
func (a *Allocator) Device() *blkdev.Device {
	return a.dev
}

// AddRanges appends controller-supplied extents to the free pool.
// Callable at any time, including after a low-space event.
func (a *Allocator) AddRanges(ranges []types.BlockRange) {
	a.mux.Lock()
	defer a.mux.Unlock()

	for _, val := range ranges {
		if val.Count == 0 {
			continue
		}
		a.free = append(a.free, val)
		a.freeSectors += val.Count
	}
	a.lowNotified = false

	log.Printf("difference storage %d:%d now holds %d free sectors",
		a.devID.Major, a.devID.Minor, a.freeSectors)
}

// GetExtent carves an extent of exactly count sectors out of the
// free pool. When no range can satisfy the request, a low-space
// event is pushed and ErrNoSpace is returned; the chunk engine must
// treat this as fatal for the chunk, since more space only arrives
// via an out-of-band AddRanges call.
func (a *Allocator) GetExtent(count uint64) (*Extent, error) {
	a.mux.Lock()
	defer a.mux.Unlock()

	for i := range a.free {
		if a.free[i].Count < count {
			continue
		}

		ext := &Extent{
			Device: a.dev,
			Sector: a.free[i].Offset,
			Count:  count,
		}

		a.free[i].Offset += count
		a.free[i].Count -= count
		if a.free[i].Count == 0 {
			a.free = append(a.free[:i], a.free[i+1:]...)
		}
		a.freeSectors -= count
		a.allocated += count

		if a.lowWatermark > 0 && a.freeSectors < a.lowWatermark && !a.lowNotified {
			// One warning per refill, so the controller can add
			// ranges before allocations start to fail.
			a.lowNotified = true
			a.pushLowSpace(count)
		}
		return ext, nil
	}

	log.Printf("no free extent of %d sectors in difference storage %d:%d (%d sectors free)",
		count, a.devID.Major, a.devID.Minor, a.freeSectors)
	a.pushLowSpace(count)

	return nil, vErrors.ErrNoSpace
}

// pushLowSpace emits a low-space event. Callers must hold a.mux.
func (a *Allocator) pushLowSpace(requested uint64) {
	if a.queue == nil {
		return
	}
	payload, err := json.Marshal(types.LowSpacePayload{
		DevID:            a.devID,
		RequestedSectors: requested,
		FreeSectors:      a.freeSectors,
	})
	if err != nil {
		log.Printf("failed to serialize low space event: %q", err)
		return
	}
	a.queue.Push(types.EventCodeLowSpace, payload)
}

// FreeSectors returns the number of sectors left in the free pool.
func (a *Allocator) FreeSectors() uint64 {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.freeSectors
}

// AllocatedSectors returns the number of sectors handed out to
// chunks so far.
func (a *Allocator) AllocatedSectors() uint64 {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.allocated
}
