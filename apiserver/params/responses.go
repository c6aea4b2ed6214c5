package params

type BackupType string

const (
	BackupTypeFull        BackupType = "full"
	BackupTypeIncremental BackupType = "incremental"
)

var (
	// NotFoundResponse is returned when a resource is not found
	NotFoundResponse = APIErrorResponse{
		Error:   "Not Found",
		Details: "The resource you are looking for was not found",
	}
)

// APIErrorResponse holds information about an error, returned by the API
type APIErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// Partition holds the information about a particular partition
type Partition struct {
	// Name is the name of the partition (sda1, sdb2, etc)
	Name string `json:"name"`
	// Path is the full path for this partition.
	Path string `json:"path,omitempty"`
	// Sectors represents the size of this partition in sectors.
	// You can find the size of the partition by multiplying this
	// with the logical sector size of the disk.
	Sectors int `json:"sectors"`
	// FilesystemType represents the name of the filesystem this
	// partition is formatted with (xfs, ext4, ntfs, etc).
	FilesystemType string `json:"filesystem_type,omitempty"`
	// Mountpoint is the path this partition is mounted at, if any.
	Mountpoint string `json:"mountpoint,omitempty"`
	// StartSector represents the sector at which the partition starts
	StartSector int `json:"start_sector"`
	// EndSector represents the last sector of the disk for this partition
	EndSector int `json:"end_sector,omitempty"`
	// AlignmentOffset indicates how many bytes the beginning of the device is
	// offset from the disk's natural alignment. For details, see:
	// https://www.kernel.org/doc/Documentation/ABI/testing/sysfs-block
	AlignmentOffset int `json:"alignment_offset"`
	// Major is the device node major number
	Major uint32 `json:"device_major"`
	// Minor is the device minor number
	Minor uint32 `json:"device_minor"`
}

type BlockVolume struct {
	// TrackingID is the DB tracking ID added for this disk. An empty
	// value means the disk is not tracked.
	TrackingID string `json:"id,omitempty"`
	// Path is the full path for this disk.
	Path string `json:"path"`
	// Name is just the device name, without the leading /dev
	Name string `json:"name,omitempty"`
	// Size is the size in bytes of this disk
	Size int64 `json:"size,omitempty"`
	// LogicalSectorSize is the size of the sector reported by the operating
	// system for this disk. Usually this is 512 bytes.
	LogicalSectorSize int64 `json:"logical_sector_size,omitempty"`
	// PhysicalSectorSize is the sector size reported by the disk. Some disks
	// may have a 4k sector size.
	PhysicalSectorSize int64 `json:"physical_sector_size,omitempty"`
	// Partitions is a list of discovered partition on this disk.
	Partitions []Partition `json:"partitions,omitempty"`
	// AlignmentOffset indicates how many bytes the beginning of the device is
	// offset from the disk's natural alignment.
	AlignmentOffset int `json:"alignment_offset"`
	// Major is the device node major number
	Major uint32 `json:"device_major,omitempty"`
	// Minor is the device minor number
	Minor uint32 `json:"device_minor,omitempty"`
	// IsVirtual specifies if this device is a virtual device.
	IsVirtual bool `json:"is_virtual"`
}

type StorageLocation struct {
	ID string `json:"id"`
	// AvailableCapacity is the amount of free disk space
	// on a device. This value can be different from
	// TotalCapacity - AllocatedCapacity, as there is no guarantee
	// that we will have sole access to the device.
	AvailableCapacity uint64 `json:"available_capacity"`
	// AllocatedCapacity is the amount of disk space that has
	// been handed to difference storage. This value is calculated
	// by summing up the sizes of the files this service keeps
	// track of.
	AllocatedCapacity uint64 `json:"allocated_capacity"`
	// TotalCapacity is the total amount of disk space a mount
	// point has.
	TotalCapacity uint64 `json:"total_capacity"`
	// Path is the path on the filesystem to the folder where
	// difference storage is allocated.
	Path string `json:"path"`
	// DevicePath is the device in /dev which the folder represented
	// by Path is stored on.
	DevicePath string `json:"device_path"`
	// Major is the major number of the device which is mounted
	// in Path.
	Major uint32 `json:"major"`
	// Minor is the minor number of the device which is mounted
	// in Path.
	Minor uint32 `json:"minor"`
}

type TrackedDevice struct {
	TrackingID string `json:"tracking_id"`
	DevicePath string `json:"device_path"`
	Major      uint32 `json:"major"`
	Minor      uint32 `json:"minor"`
}

type VolumeSnapshot struct {
	// SnapshotNumber is the ID of the snapshot, as saved
	// in the CBT bitmap.
	SnapshotNumber uint32 `json:"snapshot_number"`
	// GenerationID is the generation ID of this snapshot.
	GenerationID string `json:"generation_id"`
	// OriginalDevice is the device that was snapshot.
	OriginalDevice TrackedDevice `json:"original_device"`
	// SizeBytes is the size of the snapshot image. Reads from the
	// image past this offset will fail.
	SizeBytes uint64 `json:"size_bytes"`
}

type SnapshotResponse struct {
	// SnapshotID is the internal ID used to delete the snapshot
	// once we are done with it.
	SnapshotID string `json:"snapshot_id"`
	// VolumeSnapshots is an array of all the disk snapshots that
	// are included in this snapshot.
	VolumeSnapshots []VolumeSnapshot `json:"volume_snapshots"`
}

type DiskRange struct {
	StartOffset uint64 `json:"start_offset"`
	Length      uint64 `json:"length"`
}

type ChangesResponse struct {
	TrackedDiskID string      `json:"tracked_disk_id"`
	SnapshotID    string      `json:"snapshot_id"`
	CBTBlockSize  int         `json:"cbt_block_size_bytes"`
	BackupType    BackupType  `json:"backup_type"`
	Ranges        []DiskRange `json:"ranges"`
}

type CBTInfoResponse struct {
	TrackedDiskID string `json:"tracked_disk_id"`
	// DeviceSize is the capacity of the device in bytes.
	DeviceSize uint64 `json:"device_size"`
	// CBTBlockSize is the size in bytes of one tracking block.
	CBTBlockSize uint32 `json:"cbt_block_size_bytes"`
	// BlockCount is the number of blocks in the tracking bitmap.
	BlockCount uint64 `json:"block_count"`
	// SnapshotNumber is the current snapshot generation number.
	SnapshotNumber uint32 `json:"snapshot_number"`
	// GenerationID changes whenever tracking data is discarded,
	// for example after a device resize. Clients must take a full
	// backup when the generation ID changes.
	GenerationID string `json:"generation_id"`
}

type EventResponse struct {
	// Code identifies the kind of event.
	Code int `json:"code"`
	// Payload is the JSON encoded event body. The structure
	// depends on the event code.
	Payload string `json:"payload,omitempty"`
}
