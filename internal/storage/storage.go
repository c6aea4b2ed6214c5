// Copyright 2019 Cloudbase Solutions Srl
// All Rights Reserved.
//
// This package will need a refactor after the initial implementation.
// Ideally, it should be implemented as a set of coherent interfaces, that
// may potentially be run on other system than GNU/Linux.

package storage

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"

	vErrors "coriolis-cow-engine/errors"
)

const (
	sysfsPath     = "/sys/block"
	virtBlockPath = "/sys/devices/virtual/block"

	// Device types. Defined in include/scsi/scsi_proto.h
	TYPE_DISK = 0x00
	TYPE_ROM  = 0x05
)

// Partition holds the information about a particular partition
type Partition struct {
	// Name is the name of the partition (sda1, sdb2, etc)
	Name string
	// Path is the full path for this partition.
	Path string
	// Sectors represents the size of this partition in sectors
	// you can find the size of the partition by multiplying this
	// with the logical sector size of the disk
	Sectors int
	// StartSector represents the sector at which the partition starts
	StartSector int
	// EndSector represents the last sector of the disk for this partition
	EndSector int
	// AlignmentOffset indicates how many bytes the beginning of the device is
	// offset from the disk's natural alignment. For details, see:
	// https://www.kernel.org/doc/Documentation/ABI/testing/sysfs-block
	AlignmentOffset int
	// FilesystemType represents the name of the filesystem this
	// partition is formatted with (xfs, ext4, ntfs, etc), as reported
	// by the mount table. Unmounted partitions have an empty type.
	FilesystemType string
	// Mountpoint is where this partition is mounted, if anywhere.
	Mountpoint string
	// Major is the device node major number
	Major uint32
	// Minor is the device minor number
	Minor uint32
}

// BlockVolume holds information about a particular disk
type BlockVolume struct {
	// Path is the full path for this disk.
	Path string
	// Name is just the device name, without the leading /dev
	Name string
	// Size is the size in bytes of this disk
	Size int64
	// LogicalSectorSize is the size of the sector reported by the
	// operating system for this disk. Usually this is 512 bytes
	LogicalSectorSize int64
	// PhysicalSectorSize is the sector size reported by the disk. Some
	// disks may have a 4k sector size.
	PhysicalSectorSize int64
	// AlignmentOffset indicates how many bytes the beginning of the device is
	// offset from the disk's natural alignment. For details, see:
	// https://www.kernel.org/doc/Documentation/ABI/testing/sysfs-block
	AlignmentOffset int
	// Partitions is a list of discovered partition on this disk. This is the
	// primary source of truth when identifying disks
	Partitions []Partition
	// Major is the device node major number
	Major uint32
	// Minor is the device minor number
	Minor uint32
	// IsVirtual specifies if this device is a virtual device.
	IsVirtual bool
}

// HasMountedPartitions checks if this disk has any mounted partitions.
// Snapshotting a disk whose filesystems are in active use calls for
// extra care on the restore side, so the manager refuses to auto-add
// those unless told otherwise.
func (b *BlockVolume) HasMountedPartitions() bool {
	for _, val := range b.Partitions {
		if val.Mountpoint != "" {
			return true
		}
	}
	return false
}

// GetMajorMinorFromDevice returns the major:minor pair of a device node.
func GetMajorMinorFromDevice(device string) (uint32, uint32, error) {
	info, err := os.Stat(device)
	if err != nil {
		return 0, 0, errors.Wrap(err, "running Stat()")
	}
	if info.Mode()&os.ModeDevice == 0 {
		return 0, 0, fmt.Errorf("%s is not a device node", device)
	}
	sysStat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("failed to get raw stat for %s", device)
	}
	return unix.Major(uint64(sysStat.Rdev)), unix.Minor(uint64(sysStat.Rdev)), nil
}

func isBlockDevice(name string) bool {
	info, err := os.Stat(filepath.Join("/dev", name))
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeDevice != 0
}

func returnContentsAsInt(pth string) (int, error) {
	contents, err := os.ReadFile(pth)
	if err != nil {
		return 0, errors.Wrapf(err, "reading %s", pth)
	}
	val, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", pth)
	}
	return val, nil
}

func getAlignmentOffset(pth string) (int, error) {
	alignFile := path.Join(pth, "alignment_offset")
	if _, err := os.Stat(alignFile); err != nil {
		return 0, nil
	}
	return returnContentsAsInt(alignFile)
}

// mountsByDevice maps device paths to their mount info. The mount
// table replaces a libblkid probe here; it only knows about mounted
// filesystems, which is all the manager needs.
func mountsByDevice() (map[string]disk.PartitionStat, error) {
	parts, err := disk.Partitions(true)
	if err != nil {
		return nil, errors.Wrap(err, "fetching mount table")
	}
	ret := map[string]disk.PartitionStat{}
	for _, val := range parts {
		ret[val.Device] = val
	}
	return ret, nil
}

func getPartitionInfo(pth, name string, mounts map[string]disk.PartitionStat) (Partition, error) {
	if !isBlockDevice(name) {
		return Partition{}, fmt.Errorf("%s is not a block device", name)
	}

	start, err := returnContentsAsInt(path.Join(pth, "start"))
	if err != nil {
		return Partition{}, err
	}
	sectors, err := returnContentsAsInt(path.Join(pth, "size"))
	if err != nil {
		return Partition{}, err
	}
	align, err := getAlignmentOffset(pth)
	if err != nil {
		return Partition{}, err
	}

	dev := filepath.Join("/dev", name)
	dMajor, dMinor, err := GetMajorMinorFromDevice(dev)
	if err != nil {
		return Partition{}, err
	}

	var fsType, mountpoint string
	if mount, ok := mounts[dev]; ok {
		fsType = mount.Fstype
		mountpoint = mount.Mountpoint
	}

	return Partition{
		Path:            dev,
		Name:            name,
		Sectors:         sectors,
		StartSector:     start,
		EndSector:       start + sectors - 1,
		AlignmentOffset: align,
		FilesystemType:  fsType,
		Mountpoint:      mountpoint,
		Major:           dMajor,
		Minor:           dMinor,
	}, nil
}

func listDiskPartitions(pth string, mounts map[string]disk.PartitionStat) ([]Partition, error) {
	partitions := []Partition{}

	lst, err := os.ReadDir(pth)
	if err != nil {
		return nil, err
	}
	for _, val := range lst {
		if !val.IsDir() {
			continue
		}

		fullPath := path.Join(pth, val.Name())
		if _, err := os.Stat(path.Join(fullPath, "partition")); err != nil {
			continue
		}

		partInfo, err := getPartitionInfo(fullPath, val.Name(), mounts)
		if err != nil {
			return nil, err
		}
		partitions = append(partitions, partInfo)
	}
	return partitions, nil
}

func getBlockVolumeInfo(name string, mounts map[string]disk.PartitionStat) (BlockVolume, error) {
	devicePath := path.Join("/dev", name)
	dsk, err := os.Open(devicePath)
	if err != nil {
		return BlockVolume{}, errors.Wrap(err, "could not open volume")
	}
	defer dsk.Close()

	dMajor, dMinor, err := GetMajorMinorFromDevice(devicePath)
	if err != nil {
		return BlockVolume{}, err
	}

	size, err := unix.IoctlGetInt(int(dsk.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return BlockVolume{}, errors.Wrap(err, "failed to get volume size")
	}

	physSectorSize, err := unix.IoctlGetInt(int(dsk.Fd()), unix.BLKPBSZGET)
	if err != nil {
		return BlockVolume{}, errors.Wrap(err, "failed to get physical sector size")
	}

	logicalSectorSize, err := unix.IoctlGetInt(int(dsk.Fd()), unix.BLKSSZGET)
	if err != nil {
		return BlockVolume{}, errors.Wrap(err, "failed to get logical sector size")
	}

	fullPath := path.Join(sysfsPath, name)
	align, err := getAlignmentOffset(fullPath)
	if err != nil {
		return BlockVolume{}, errors.Wrap(err, "getAlignmentOffset failed")
	}

	partitions, err := listDiskPartitions(fullPath, mounts)
	if err != nil {
		return BlockVolume{}, errors.Wrap(err, "list partitions failed")
	}

	var isVirtual bool
	if _, err := os.Stat(path.Join(virtBlockPath, name)); err == nil {
		isVirtual = true
	}

	return BlockVolume{
		AlignmentOffset:    align,
		Path:               devicePath,
		Name:               name,
		Size:               int64(size),
		PhysicalSectorSize: int64(physSectorSize),
		LogicalSectorSize:  int64(logicalSectorSize),
		Partitions:         partitions,
		Major:              dMajor,
		Minor:              dMinor,
		IsVirtual:          isVirtual,
	}, nil
}

// isValidDevice checks that the device identified by name, relative
// to /dev, is a block device, and not a partition or a CD-ROM.
func isValidDevice(name string) error {
	if !isBlockDevice(name) {
		return fmt.Errorf("%s not a block device", name)
	}

	if _, err := os.Stat(path.Join(sysfsPath, name)); err != nil {
		// Filter out partitions
		return fmt.Errorf("%s has no entry in %s (a partition?)", name, sysfsPath)
	}

	deviceType := path.Join(sysfsPath, name, "device", "type")
	if _, err := os.Stat(deviceType); err == nil {
		devTypeValue, err := returnContentsAsInt(deviceType)
		if err == nil && devTypeValue == TYPE_ROM {
			return fmt.Errorf("%s is a CD-ROM", name)
		}
	}

	return nil
}

// GetBlockDeviceInfo returns a BlockVolume{} struct with information
// about the device.
func GetBlockDeviceInfo(name string) (BlockVolume, error) {
	if err := isValidDevice(name); err != nil {
		return BlockVolume{}, vErrors.NewInvalidDeviceErr(
			"%s not a trackable block device: %s", name, err)
	}
	mounts, err := mountsByDevice()
	if err != nil {
		return BlockVolume{}, err
	}
	return getBlockVolumeInfo(name, mounts)
}

// BlockDeviceList returns a list of BlockVolume structures, populated with
// information about locally visible disks.
func BlockDeviceList(ignoreMounted bool) ([]BlockVolume, error) {
	devList, err := os.ReadDir(sysfsPath)
	if err != nil {
		return nil, err
	}

	mounts, err := mountsByDevice()
	if err != nil {
		return nil, err
	}

	ret := []BlockVolume{}
	for _, val := range devList {
		if err := isValidDevice(val.Name()); err != nil {
			continue
		}
		info, err := getBlockVolumeInfo(val.Name(), mounts)
		if err != nil {
			if errors.Is(err, &vErrors.ErrInvalidDevice{}) {
				continue
			}
			return ret, err
		}
		if ignoreMounted && info.HasMountedPartitions() {
			continue
		}
		ret = append(ret, info)
	}
	return ret, nil
}

// FindDeviceByID returns the path in /dev to a device identified
// by major:minor.
func FindDeviceByID(major uint32, minor uint32) (string, error) {
	devices, err := BlockDeviceList(false)
	if err != nil {
		return "", errors.Wrap(err, "fetching devices")
	}

	for _, val := range devices {
		if val.Major == major && val.Minor == minor {
			return val.Path, nil
		}

		for _, partition := range val.Partitions {
			if partition.Major == major && partition.Minor == minor {
				return partition.Path, nil
			}
		}
	}
	return "", vErrors.NewNotFoundError(
		"could not find device [%d:%d]", major, minor)
}

// FindBlockVolumeByID returns a BlockVolume{} that identifies the device with
// major:minor.
func FindBlockVolumeByID(major uint32, minor uint32) (BlockVolume, error) {
	devices, err := BlockDeviceList(false)
	if err != nil {
		return BlockVolume{}, errors.Wrap(err, "fetching devices")
	}

	for _, val := range devices {
		if val.Major == major && val.Minor == minor {
			return val, nil
		}
	}
	return BlockVolume{}, vErrors.NewNotFoundError(
		"could not find device [%d:%d]", major, minor)
}
