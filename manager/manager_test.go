package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coriolis-cow-engine/apiserver/params"
	"coriolis-cow-engine/db"
)

func TestChangedRangesCoalescesAdjacentBlocks(t *testing.T) {
	blockSize := uint64(4096)
	deviceSize := uint64(10) * blockSize
	// Blocks 1, 2 and 3 changed after snapshot 1; block 6 as well.
	bitmap := []byte{1, 2, 2, 3, 1, 0, 2, 1, 0, 1}

	ranges := changedRanges(bitmap, 1, blockSize, deviceSize)
	require.Len(t, ranges, 2)
	assert.Equal(t, params.DiskRange{StartOffset: blockSize, Length: 3 * blockSize}, ranges[0])
	assert.Equal(t, params.DiskRange{StartOffset: 6 * blockSize, Length: blockSize}, ranges[1])
}

func TestChangedRangesClampsToDeviceSize(t *testing.T) {
	blockSize := uint64(4096)
	// Device ends halfway through the last block.
	deviceSize := 2*blockSize - 512
	bitmap := []byte{2, 2}

	ranges := changedRanges(bitmap, 1, blockSize, deviceSize)
	require.Len(t, ranges, 1)
	assert.Equal(t, params.DiskRange{StartOffset: 0, Length: deviceSize}, ranges[0])
}

func TestChangedRangesNothingChanged(t *testing.T) {
	ranges := changedRanges([]byte{1, 1, 0}, 1, 4096, 3*4096)
	assert.Empty(t, ranges)
}

func TestDBSnapshotToParamsSnapshot(t *testing.T) {
	snapshot := db.Snapshot{
		SnapshotID: "snap-1",
		VolumeSnapshots: []db.VolumeSnapshot{
			{
				TrackingID:     "sda",
				SnapshotID:     "snap-1",
				SnapshotNumber: 3,
				GenerationID:   "15b0f4b6-e600-4f6c-9c1a-47d52cbb7b0f",
				DeviceSize:     1 << 30,
				OriginalDisk: db.TrackedDisk{
					TrackingID: "sda",
					Path:       "/dev/sda",
					Major:      8,
					Minor:      0,
				},
			},
		},
	}

	ret := dbSnapshotToParamsSnapshot(snapshot)
	require.Len(t, ret.VolumeSnapshots, 1)
	assert.Equal(t, "snap-1", ret.SnapshotID)
	assert.Equal(t, uint32(3), ret.VolumeSnapshots[0].SnapshotNumber)
	assert.Equal(t, uint64(1<<30), ret.VolumeSnapshots[0].SizeBytes)
	assert.Equal(t, "/dev/sda", ret.VolumeSnapshots[0].OriginalDevice.DevicePath)
}
