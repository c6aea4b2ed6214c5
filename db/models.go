package db

import "time"

// TrackedDisk is the database representation of a device with an
// active CBT session.
type TrackedDisk struct {
	TrackingID string
	Path       string
	Major      uint32
	Minor      uint32
}

// StorageLocation is a filesystem path where pre-allocated difference
// storage files are created. This must coincide with items in the
// CoWDestination config value. This folder must be cleared of all
// pre-allocated files and re-initialized after a restart; tracking
// data does not persist across engine restarts, and any files left
// over from previous sessions just take up space.
// One more important aspect to understand is that once registered
// with a difference storage allocator, a range of extents cannot be
// removed. Any disk space allocated for CoW purposes must be
// preserved until the snapshot is deleted.
type StorageLocation struct {
	TrackingID string
	Path       string

	// TotalCapacity is the total amount of disk exposed by the
	// filesystem where the storage files are created.
	TotalCapacity uint64

	// DevicePath is the path in /dev/ of the device which holds the
	// location specified in Path. This can be a device mapper.
	DevicePath string

	// Major is the major number of the device which is mounted
	// in Path.
	Major uint32
	// Minor is the minor number of the device which is mounted
	// in Path.
	Minor uint32

	// Enabled indicates whether or not this location can be used to
	// allocate new extents. This is an administrative flag that allows
	// operators control over where allocations can and cannot be done.
	Enabled bool
}

// StorageFile is a file that was pre-allocated on disk, the physical
// extents of which are handed to a difference storage allocator. The
// file itself serves as a mechanism to tell the filesystem not to
// write anything to those extents.
// WARNING: Removing the file does not revoke the extents already
// handed to an allocator. The filesystem would think those extents
// are free and reuse them, corrupting both the snapshot and whatever
// file lands there.
type StorageFile struct {
	TrackingID      string
	StorageLocation StorageLocation
	SnapshotID      string
	Path            string
	Size            uint64
}

// VolumeSnapshot records the capture of a single tracked disk within
// a snapshot.
type VolumeSnapshot struct {
	TrackingID string
	SnapshotID string

	// SnapshotNumber is the generation number of this capture, as
	// stamped in the CBT bitmap.
	SnapshotNumber uint32
	// GenerationID is the CBT generation this capture belongs to.
	GenerationID string

	// OriginalDisk is the device that was captured.
	OriginalDisk TrackedDisk

	// DeviceSize is the capacity in bytes of the device at capture
	// time.
	DeviceSize uint64
	// CBTBlockSize is the size in bytes of one tracking block in
	// Bitmap.
	CBTBlockSize uint32

	// Bitmap is the frozen CBT map at capture time.
	Bitmap []byte
}

// Snapshot groups the volume snapshots taken in one capture request.
type Snapshot struct {
	SnapshotID      string
	VolumeSnapshots []VolumeSnapshot
	CreatedAt       time.Time
}
