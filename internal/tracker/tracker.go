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

// Package tracker ties change block tracking and copy on write
// together for one device. Every production write is routed through
// the tracker before it is allowed to hit the origin device.
package tracker

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/pkg/errors"

	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/blkdev"
	"coriolis-cow-engine/internal/cbt"
	"coriolis-cow-engine/internal/cow"
	"coriolis-cow-engine/internal/diffstore"
	"coriolis-cow-engine/internal/events"
	"coriolis-cow-engine/internal/snapimage"
	"coriolis-cow-engine/internal/types"
)

// CBTParams controls tracking block sizing.
type CBTParams struct {
	BlockMinShift uint
	BlockMaxCount uint64
}

// New starts tracking writes to the given device. Tracking is passive
// until Capture is called; only the CBT bitmap is maintained.
func New(dev *blkdev.Device, devID types.DevID, queue *events.Queue, params CBTParams) (*Tracker, error) {
	capacity := dev.CapacitySectors()
	if capacity == 0 {
		return nil, vErrors.NewInvalidDeviceErr("device %s has zero capacity", dev.Path())
	}
	return &Tracker{
		dev:    dev,
		devID:  devID,
		queue:  queue,
		cbtMap: cbt.NewMap(capacity, params.BlockMinShift, params.BlockMaxCount),
		params: params,
	}, nil
}

// Tracker maintains the CBT bitmap for one device and, while a
// capture is active, preserves overwritten chunks in the difference
// area.
type Tracker struct {
	dev    *blkdev.Device
	devID  types.DevID
	queue  *events.Queue
	params CBTParams

	mux    sync.Mutex
	cbtMap *cbt.Map
	area   *cow.DiffArea
	image  *snapimage.Image

	cbtFaultNotified bool
}

// DevID returns the id of the tracked device.
func (t *Tracker) DevID() types.DevID {
	return t.devID
}

// Device returns the tracked origin device.
func (t *Tracker) Device() *blkdev.Device {
	return t.dev
}

// IsCaptured returns true while a snapshot capture is active.
func (t *Tracker) IsCaptured() bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.area != nil
}

// InterceptWrite must be called before a production write to the
// tracked sector range is issued. The affected CBT blocks are marked
// and, while a capture is active, the overlapping chunks are
// preserved first.
//
// A production write is never held back by tracking trouble: CBT and
// copy on write failures are absorbed here and surfaced through the
// event queue, leaving only the snapshot data degraded. The one error
// callers must handle is ErrWouldBlock, returned in place of sleeping
// when allowBlocking is unset; the write must then be resubmitted
// from a blocking context.
func (t *Tracker) InterceptWrite(start, count uint64, allowBlocking bool) error {
	t.mux.Lock()
	cbtMap := t.cbtMap
	area := t.area
	t.mux.Unlock()

	if err := cbtMap.Mark(start, count); err != nil {
		t.pushCBTFault(err)
	}

	if area == nil {
		return nil
	}
	if err := area.CopyOnWrite(start, count, allowBlocking); err != nil {
		if errors.Is(err, &vErrors.WouldBlockError{}) {
			return err
		}
		// The area has latched its corrupted state and pushed an
		// event; the write itself goes ahead.
		log.Printf("copy on write failed on device %d:%d: %v",
			t.devID.Major, t.devID.Minor, err)
	}
	return nil
}

func (t *Tracker) pushCBTFault(err error) {
	t.mux.Lock()
	notified := t.cbtFaultNotified
	t.cbtFaultNotified = true
	t.mux.Unlock()
	if notified {
		return
	}

	log.Printf("CBT fault on device %d:%d: %v", t.devID.Major, t.devID.Minor, err)
	payload, merr := json.Marshal(types.CBTFaultPayload{
		DevID: t.devID,
		Error: err.Error(),
	})
	if merr != nil {
		log.Printf("failed to marshal CBT fault payload: %v", merr)
		return
	}
	t.queue.Push(types.EventCodeCBTFault, payload)
}

// Capture freezes the tracked device into a snapshot. The CBT map
// switches to a new generation and a difference area starts
// preserving overwritten chunks. A nil storage allocator keeps the
// preserved data in memory.
//
// A device that was resized or whose CBT map went corrupted since the
// last capture gets a fresh map first; the controller will see a new
// generation id and must fall back to a full backup.
func (t *Tracker) Capture(storage *diffstore.Allocator, params cow.Params) (*snapimage.Image, error) {
	t.mux.Lock()
	defer t.mux.Unlock()

	if t.area != nil {
		return nil, vErrors.NewConflictError(
			"device %d:%d is already captured", t.devID.Major, t.devID.Minor)
	}

	capacity, err := t.dev.RefreshCapacity()
	if err != nil {
		return nil, errors.Wrap(err, "refreshing device capacity")
	}
	if capacity != t.cbtMap.DeviceCapacity() || t.cbtMap.IsCorrupted() {
		log.Printf("resetting CBT map for device %d:%d", t.devID.Major, t.devID.Minor)
		t.cbtMap.Reset(capacity)
		t.cbtFaultNotified = false
	}
	t.cbtMap.Switch()

	area, err := cow.NewArea(t.dev, t.devID, storage, t.queue, params)
	if err != nil {
		return nil, errors.Wrap(err, "setting up difference area")
	}
	t.area = area
	t.image = snapimage.New(t.devID, area, t.cbtMap)
	return t.image, nil
}

// Release ends the active capture and tears down the difference area.
// The CBT bitmap keeps tracking.
func (t *Tracker) Release() error {
	t.mux.Lock()
	area := t.area
	t.area = nil
	t.image = nil
	t.mux.Unlock()

	if area == nil {
		return vErrors.NewNotFoundError(
			"device %d:%d is not captured", t.devID.Major, t.devID.Minor)
	}
	return area.Close()
}

// Image returns the snapshot image of the active capture.
func (t *Tracker) Image() (*snapimage.Image, error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.image == nil {
		return nil, vErrors.NewNotFoundError(
			"device %d:%d is not captured", t.devID.Major, t.devID.Minor)
	}
	return t.image, nil
}

// CBTInfo returns the tracking metadata for the device.
func (t *Tracker) CBTInfo() types.CBTInfo {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.cbtMap.Info(t.devID)
}

// ReadCBT returns a window of the previous generation block map.
func (t *Tracker) ReadCBT(offset, length uint64) ([]byte, error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.cbtMap.Read(offset, length)
}

// MarkDirtyBlocks stamps sector ranges into the current generation.
// Backup tooling uses this to requeue ranges it failed to copy.
func (t *Tracker) MarkDirtyBlocks(ranges []types.BlockRange) error {
	t.mux.Lock()
	cbtMap := t.cbtMap
	t.mux.Unlock()
	return cbtMap.MarkDirtyBlocks(ranges)
}
