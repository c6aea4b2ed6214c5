// Copyright 2019 Cloudbase Solutions Srl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package types

const (
	// SectorShift is the number of bits needed to convert between
	// bytes and sectors.
	SectorShift = 9
	// SectorSize is the size of a logical sector in bytes.
	SectorSize = 1 << SectorShift
)

type DevID struct {
	Major uint32
	Minor uint32
}

// BlockRange describes a contiguous run of sectors on a device.
type BlockRange struct {
	// Offset in sectors
	Offset uint64
	// Count in sectors
	Count uint64
}

// CBTInfo holds the change block tracking metadata for one
// tracked device.
type CBTInfo struct {
	DevID        DevID
	DevCapacity  uint64
	BlockSize    uint32
	BlockCount   uint64
	SnapNumber   byte
	GenerationID [16]byte
}

// EventCode identifies the type of an event pushed to the
// backup controller.
type EventCode int

const (
	// EventCodeLowSpace is emitted when the difference storage is
	// running out of free extents. The controller is expected to
	// preallocate more storage and register the new ranges.
	EventCodeLowSpace EventCode = iota + 1
	// EventCodeCorrupted is emitted when a difference area enters
	// the corrupted state. Snapshot data for the affected device
	// is no longer consistent.
	EventCodeCorrupted
	// EventCodeCBTFault is emitted when marking the CBT bitmap
	// failed. Tracking data is unreliable until the next capture.
	EventCodeCBTFault
)

// LowSpacePayload is the payload of an EventCodeLowSpace event.
type LowSpacePayload struct {
	DevID            DevID  `json:"device"`
	RequestedSectors uint64 `json:"requested_sectors"`
	FreeSectors      uint64 `json:"free_sectors"`
}

// CorruptedPayload is the payload of an EventCodeCorrupted event.
type CorruptedPayload struct {
	DevID DevID  `json:"device"`
	Error string `json:"error"`
}

// CBTFaultPayload is the payload of an EventCodeCBTFault event.
type CBTFaultPayload struct {
	DevID DevID  `json:"device"`
	Error string `json:"error"`
}
