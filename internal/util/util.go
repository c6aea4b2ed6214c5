package util

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
	fibmap "github.com/rancher/go-fibmap"
	"golang.org/x/sys/unix"

	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/storage"
	"coriolis-cow-engine/internal/types"
)

// maxExtentCount is the largest number of extents we ask the fiemap
// ioctl for in one call. Preallocated storage files are contiguous in
// all but the most fragmented filesystems, so this is plenty.
const maxExtentCount = 4096

type PhysicalDiskInfo struct {
	Major      uint32
	Minor      uint32
	DevicePath string
	SectorSize int64
}

// GetBlockDeviceInfoFromFile returns info about the block device that hosts
// the file.
func GetBlockDeviceInfoFromFile(path string) (PhysicalDiskInfo, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return PhysicalDiskInfo{}, errors.Wrap(err, "running Stat()")
	}
	sysStat, ok := fileInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return PhysicalDiskInfo{}, errors.Errorf("failed to get raw stat for %s", path)
	}
	// For a file, the Rdev is not relevant. The device that is returned here
	// may be a device mapper, which can point to multiple block devices
	// (LVM, RAID, etc).
	major := unix.Major(uint64(sysStat.Dev))
	minor := unix.Minor(uint64(sysStat.Dev))

	devices, err := storage.BlockDeviceList(false)
	if err != nil {
		return PhysicalDiskInfo{}, errors.Wrap(err, "fetching block devices")
	}
	for _, val := range devices {
		if val.Major == major && val.Minor == minor {
			return PhysicalDiskInfo{
				Major:      val.Major,
				Minor:      val.Minor,
				SectorSize: val.LogicalSectorSize,
				DevicePath: val.Path,
			}, nil
		}

		for _, part := range val.Partitions {
			if part.Major == major && part.Minor == minor {
				return PhysicalDiskInfo{
					Major:      part.Major,
					Minor:      part.Minor,
					SectorSize: val.LogicalSectorSize,
					DevicePath: part.Path,
				}, nil
			}
		}
	}
	return PhysicalDiskInfo{}, vErrors.NewNotFoundError(
		"could not find device for file %s", fileInfo.Name())
}

// CreateStorageFile creates a new pre-allocated file of the given size.
// The controller carves difference storage extents out of this file.
func CreateStorageFile(filePath string, size int64) error {
	if _, err := os.Stat(filePath); err == nil {
		return errors.Errorf("file %s already exists", filePath)
	}

	fd, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "creating file")
	}

	if err := unix.Fallocate(int(fd.Fd()), unix.FALLOC_FL_ZERO_RANGE, 0, size); err != nil {
		fd.Close()
		os.Remove(filePath)
		return errors.Wrap(err, "running fallocate")
	}
	if err := fd.Close(); err != nil {
		return errors.Wrap(err, "closing file")
	}
	return nil
}

// GetExtents maps a file to its physical extents on the device that
// hosts it, via the fiemap ioctl. The file must be fully allocated;
// a hole means the filesystem may still relocate blocks under us.
func GetExtents(filePath string) ([]fibmap.Extent, error) {
	fd, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "opening file")
	}
	defer fd.Close()

	fmFile := fibmap.NewFibmapFile(fd)
	extents, errno := fmFile.Fiemap(maxExtentCount)
	if errno != 0 {
		return nil, errors.Wrap(errno, "running fiemap")
	}
	if len(extents) == 0 {
		return nil, errors.Errorf("file %s has no extents", filePath)
	}
	for _, val := range extents {
		if val.Flags&fibmap.FIEMAP_EXTENT_UNKNOWN != 0 ||
			val.Flags&fibmap.FIEMAP_EXTENT_DELALLOC != 0 {
			return nil, errors.Errorf("file %s is not fully allocated", filePath)
		}
	}
	return extents, nil
}

// GetFileRanges returns the physical sector ranges a file occupies,
// together with the id of the device hosting it. These ranges can be
// registered with the difference storage allocator directly.
func GetFileRanges(filePath string) ([]types.BlockRange, types.DevID, error) {
	bDevInfo, err := GetBlockDeviceInfoFromFile(filePath)
	if err != nil {
		return nil, types.DevID{}, errors.Wrap(err, "fetching block device info")
	}
	extents, err := GetExtents(filePath)
	if err != nil {
		return nil, types.DevID{}, errors.Wrap(err, "fetching extents")
	}

	var ret []types.BlockRange
	for _, val := range extents {
		ret = append(ret, types.BlockRange{
			Offset: val.Physical >> types.SectorShift,
			Count:  val.Length >> types.SectorShift,
		})
	}

	return ret, types.DevID{
		Major: bDevInfo.Major,
		Minor: bDevInfo.Minor,
	}, nil
}

// GetFileSystemInfoFromPath returns the filesystem usage info of the
// mount point holding path.
func GetFileSystemInfoFromPath(path string) (unix.Statfs_t, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return unix.Statfs_t{}, errors.Wrapf(err, "running Statfs on %s", path)
	}
	return stat, nil
}

// GetFilesystemFreeSectors returns the free space, in sectors, of the
// filesystem holding the given path.
func GetFilesystemFreeSectors(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, errors.Wrapf(err, "running Statfs on %s", path)
	}
	return stat.Bavail * uint64(stat.Bsize) >> types.SectorShift, nil
}

// FindDeviceByPath resolves a device node path to its major:minor pair.
func FindDeviceByPath(path string) (types.DevID, error) {
	devices, err := storage.BlockDeviceList(false)
	if err != nil {
		return types.DevID{}, errors.Wrap(err, "fetching block devices")
	}

	for _, val := range devices {
		if val.Path == path {
			return types.DevID{
				Major: val.Major,
				Minor: val.Minor,
			}, nil
		}

		for _, part := range val.Partitions {
			if part.Path == path {
				return types.DevID{
					Major: part.Major,
					Minor: part.Minor,
				}, nil
			}
		}
	}
	return types.DevID{}, vErrors.NewNotFoundError("device %s not found", path)
}
