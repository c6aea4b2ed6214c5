package blkdev

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"coriolis-cow-engine/internal/types"
)

// Open opens the device or file at path for sector granular I/O.
func Open(path string) (*Device, error) {
	fd, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}

	dev := &Device{
		fd:   fd,
		path: path,
	}

	capacity, err := deviceCapacity(fd)
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "fetching capacity of %s", path)
	}
	dev.capacity = capacity

	return dev, nil
}

// Device wraps an open block device (or a regular file standing in
// for one) and exposes positional, sector granular reads and writes.
// Positional I/O carries no file offset state, so a Device is safe
// for concurrent use.
type Device struct {
	fd       *os.File
	path     string
	capacity uint64
}

// deviceCapacity returns the capacity in sectors. Block devices
// report a zero size from Stat(), so those are sized via ioctl.
func deviceCapacity(fd *os.File) (uint64, error) {
	info, err := fd.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "running Stat()")
	}

	if info.Mode()&os.ModeDevice != 0 {
		size, err := unix.IoctlGetInt(int(fd.Fd()), unix.BLKGETSIZE64)
		if err != nil {
			return 0, errors.Wrap(err, "running BLKGETSIZE64")
		}
		return uint64(size) >> types.SectorShift, nil
	}

	return uint64(info.Size()) >> types.SectorShift, nil
}

// Path returns the path the device was opened from.
func (d *Device) Path() string {
	return d.path
}

// CapacitySectors returns the device capacity in sectors, as seen
// when the device was opened or last refreshed.
func (d *Device) CapacitySectors() uint64 {
	return d.capacity
}

// RefreshCapacity re-reads the device capacity. Used to detect a
// resize that happened while the device was tracked.
func (d *Device) RefreshCapacity() (uint64, error) {
	capacity, err := deviceCapacity(d.fd)
	if err != nil {
		return 0, errors.Wrapf(err, "refreshing capacity of %s", d.path)
	}
	d.capacity = capacity
	return capacity, nil
}

// DevID returns the major:minor pair of the underlying device. For a
// regular file this is the device hosting the file.
func (d *Device) DevID() (types.DevID, error) {
	info, err := d.fd.Stat()
	if err != nil {
		return types.DevID{}, errors.Wrap(err, "running Stat()")
	}
	sysStat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return types.DevID{}, errors.Errorf("fetching raw stat for %s", d.path)
	}

	rdev := sysStat.Rdev
	if info.Mode()&os.ModeDevice == 0 {
		rdev = sysStat.Dev
	}
	return types.DevID{
		Major: unix.Major(rdev),
		Minor: unix.Minor(rdev),
	}, nil
}

// ReadAt fills p from the device starting at the byte offset off.
// Short reads are retried until p is full.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	read := 0
	for read < len(p) {
		n, err := unix.Pread(int(d.fd.Fd()), p[read:], off+int64(read))
		if err != nil {
			return read, errors.Wrapf(err, "reading %s at offset %d", d.path, off)
		}
		if n == 0 {
			return read, errors.Errorf("short read on %s at offset %d", d.path, off)
		}
		read += n
	}
	return read, nil
}

// WriteAt writes p to the device starting at the byte offset off.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Pwrite(int(d.fd.Fd()), p[written:], off+int64(written))
		if err != nil {
			return written, errors.Wrapf(err, "writing %s at offset %d", d.path, off)
		}
		written += n
	}
	return written, nil
}

// ReadSectors fills buf from the device, starting at the given
// sector.
func (d *Device) ReadSectors(sector uint64, buf []byte) error {
	_, err := d.ReadAt(buf, int64(sector)<<types.SectorShift)
	return err
}

// WriteSectors writes buf to the device, starting at the given
// sector.
func (d *Device) WriteSectors(sector uint64, buf []byte) error {
	_, err := d.WriteAt(buf, int64(sector)<<types.SectorShift)
	return err
}

// Sync flushes buffered writes to stable storage.
func (d *Device) Sync() error {
	return d.fd.Sync()
}

// Close closes the underlying file descriptor.
func (d *Device) Close() error {
	return d.fd.Close()
}
