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

// Package snapimage exposes a captured device as a readable and
// writable snapshot image. Reads return the capture time contents,
// writes land in the difference area only and never reach the origin
// device.
package snapimage

import (
	"io"

	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/cbt"
	"coriolis-cow-engine/internal/cow"
	"coriolis-cow-engine/internal/types"
)

// Image implements io.ReaderAt and io.WriterAt over a difference area.
type Image struct {
	devID    types.DevID
	area     *cow.DiffArea
	cbtMap   *cbt.Map
	capacity uint64
}

func New(devID types.DevID, area *cow.DiffArea, cbtMap *cbt.Map) *Image {
	return &Image{
		devID:    devID,
		area:     area,
		cbtMap:   cbtMap,
		capacity: cbtMap.DeviceCapacity(),
	}
}

// DevID returns the id of the captured origin device.
func (i *Image) DevID() types.DevID {
	return i.devID
}

// Size returns the image size in bytes.
func (i *Image) Size() int64 {
	return int64(i.capacity) << types.SectorShift
}

func (i *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, vErrors.NewOutOfRangeError("negative offset %d", off)
	}
	if off >= i.Size() {
		return 0, io.EOF
	}
	n, err := i.area.ImageRead(uint64(off), p)
	if err == nil && n < len(p) {
		// Clamped at the end of the device.
		err = io.EOF
	}
	return n, err
}

// WriteAt modifies the snapshot image. The touched sectors are marked
// in both CBT generations so an incremental backup taken from either
// side of the capture sees them as changed.
func (i *Image) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, vErrors.NewOutOfRangeError("negative offset %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := i.area.ImageWrite(uint64(off), p)
	if err != nil || n == 0 {
		return n, err
	}
	startSector := uint64(off) >> types.SectorShift
	endSector := (uint64(off) + uint64(n) + types.SectorSize - 1) >> types.SectorShift
	if merr := i.cbtMap.MarkBoth(startSector, endSector-startSector); merr != nil {
		return n, merr
	}
	return n, nil
}
