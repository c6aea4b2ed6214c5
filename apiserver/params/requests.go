package params

type AddTrackedDiskRequest struct {
	DevicePath string `json:"device_path"`
}

type CreateSnapshotRequest struct {
	TrackedDiskIDs []string `json:"tracked_disk_ids"`
}

type MarkDirtyBlocksRequest struct {
	// Ranges is a list of sector ranges that should be flagged as
	// dirty in the tracking bitmap of a disk. Useful when a client
	// knows that a previously fetched range was lost or damaged and
	// needs it included in the next incremental backup.
	Ranges []DiskRange `json:"ranges"`
}
