package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/timshannon/bolthold"
	"go.etcd.io/bbolt"

	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/types"
)

// Open opens the database at path and returns a *bolthold.Store object
func Open(path string) (*bolthold.Store, error) {
	bboltOptions := bbolt.Options{
		Timeout: 1 * time.Second,
	}
	db, err := bolthold.Open(path, 0600, &bolthold.Options{Options: &bboltOptions})
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	return db, nil
}

// NewDatabase returns a new *Database object
func NewDatabase(dbFile string) (*Database, error) {
	con, err := Open(dbFile)
	if err != nil {
		return nil, errors.Wrap(err, "opening database file")
	}
	return &Database{
		location: dbFile,
		con:      con,
	}, nil
}

// Database is the database interface to the bolt db
type Database struct {
	location string
	con      *bolthold.Store
}

// Close closes the underlying store.
func (d *Database) Close() error {
	return d.con.Close()
}

// GetTrackedDisk gets one tracked disk entity from the database
func (d *Database) GetTrackedDisk(major, minor uint32) (TrackedDisk, error) {
	var trackedDisk TrackedDisk

	if err := d.con.FindOne(&trackedDisk, bolthold.Where("Major").Eq(major).And("Minor").Eq(minor)); err != nil {
		if errors.Is(err, bolthold.ErrNotFound) {
			return TrackedDisk{}, vErrors.NewNotFoundError(
				"device %d:%d not found in db", major, minor)
		}
		return TrackedDisk{}, errors.Wrap(err, "fetching db entries")
	}
	return trackedDisk, nil
}

// GetTrackedDiskByTrackingID gets one tracked disk entity from the database
func (d *Database) GetTrackedDiskByTrackingID(trackingID string) (TrackedDisk, error) {
	var trackedDisk TrackedDisk

	if err := d.con.Get(trackingID, &trackedDisk); err != nil {
		if errors.Is(err, bolthold.ErrNotFound) {
			return TrackedDisk{}, vErrors.NewNotFoundError(
				"tracked disk %s not found in db", trackingID)
		}
		return TrackedDisk{}, errors.Wrap(err, "fetching tracked disk by id")
	}
	return trackedDisk, nil
}

// GetAllTrackedDisks fetches all tracked disk entities from the database.
func (d *Database) GetAllTrackedDisks() ([]TrackedDisk, error) {
	var allTracked []TrackedDisk
	if err := d.con.Find(&allTracked, nil); err != nil {
		return nil, errors.Wrap(err, "fetching all tracked disks")
	}
	return allTracked, nil
}

// CreateTrackedDisk adds a new tracked disk entity to the database.
func (d *Database) CreateTrackedDisk(device TrackedDisk) (TrackedDisk, error) {
	if device.TrackingID == "" {
		device.TrackingID = uuid.New().String()
	}
	if err := d.con.Insert(device.TrackingID, &device); err != nil {
		return TrackedDisk{}, errors.Wrap(err, "inserting new tracked disk into db")
	}
	return device, nil
}

// RemoveTrackedDisk removes a tracked disk entity from the database.
func (d *Database) RemoveTrackedDisk(device types.DevID) error {
	disk, err := d.GetTrackedDisk(device.Major, device.Minor)
	if err != nil {
		return errors.Wrap(err, "fetching tracked disk")
	}
	if err := d.con.Delete(disk.TrackingID, &TrackedDisk{}); err != nil {
		return errors.Wrap(err, "deleting tracked disk from db")
	}
	return nil
}

// GetStorageLocation gets one storage location entity, identified by
// path, from the database.
func (d *Database) GetStorageLocation(path string) (StorageLocation, error) {
	var location StorageLocation

	if err := d.con.FindOne(&location, bolthold.Where("Path").Eq(path)); err != nil {
		if errors.Is(err, bolthold.ErrNotFound) {
			return StorageLocation{}, vErrors.NewNotFoundError("path %s not found in db", path)
		}
		return StorageLocation{}, errors.Wrap(err, "finding location in db")
	}
	return location, nil
}

// GetStorageLocationByID gets one storage location entity from the database.
func (d *Database) GetStorageLocationByID(trackingID string) (StorageLocation, error) {
	var location StorageLocation

	if err := d.con.Get(trackingID, &location); err != nil {
		if errors.Is(err, bolthold.ErrNotFound) {
			return StorageLocation{}, vErrors.NewNotFoundError("location %s not found in db", trackingID)
		}
		return StorageLocation{}, errors.Wrap(err, "finding location in db")
	}
	return location, nil
}

// CreateStorageLocation creates a new storage location
func (d *Database) CreateStorageLocation(location StorageLocation) (StorageLocation, error) {
	newUUID := uuid.New()
	location.TrackingID = newUUID.String()
	if err := d.con.Insert(newUUID.String(), &location); err != nil {
		return StorageLocation{}, errors.Wrap(err, "inserting new storage location into db")
	}
	return location, nil
}

// ListStorageLocations lists all known storage locations.
func (d *Database) ListStorageLocations() ([]StorageLocation, error) {
	var allLocations []StorageLocation
	if err := d.con.Find(&allLocations, nil); err != nil {
		return nil, errors.Wrap(err, "fetching db entries")
	}
	return allLocations, nil
}

// CreateStorageFile creates a new storage file in the db.
func (d *Database) CreateStorageFile(param StorageFile) (StorageFile, error) {
	if param.TrackingID == "" {
		param.TrackingID = uuid.New().String()
	}
	if err := d.con.Insert(param.TrackingID, &param); err != nil {
		return StorageFile{}, errors.Wrap(err, "inserting new storage file into db")
	}
	return param, nil
}

// DeleteStorageFile deletes a storage file from the database. Do not
// expose deleting storage files to API consumers. This operation is
// only meant as a cleanup step when the snapshot owning the file goes
// away.
func (d *Database) DeleteStorageFile(fileID string) error {
	if err := d.con.Delete(fileID, &StorageFile{}); err != nil {
		return errors.Wrap(err, "deleting storage file from db")
	}
	return nil
}

// FindSnapshotStorageFiles lists the storage files allocated to one
// snapshot.
func (d *Database) FindSnapshotStorageFiles(snapshotID string) ([]StorageFile, error) {
	var files []StorageFile
	if err := d.con.Find(&files, bolthold.Where("SnapshotID").Eq(snapshotID)); err != nil {
		return nil, errors.Wrap(err, "fetching files")
	}
	return files, nil
}

// FindStorageLocationFiles lists all storage files inside a location.
func (d *Database) FindStorageLocationFiles(locationID string) ([]StorageFile, error) {
	var files []StorageFile
	if err := d.con.Find(&files, bolthold.Where("StorageLocation.TrackingID").Eq(locationID)); err != nil {
		return nil, errors.Wrap(err, "fetching location files")
	}
	return files, nil
}

// CreateSnapshot creates a new snapshot entity inside the database.
func (d *Database) CreateSnapshot(snapshot Snapshot) (Snapshot, error) {
	if snapshot.SnapshotID == "" {
		snapshot.SnapshotID = uuid.New().String()
	}
	snapshot.CreatedAt = time.Now().UTC()
	if err := d.con.Insert(snapshot.SnapshotID, &snapshot); err != nil {
		return Snapshot{}, errors.Wrap(err, "inserting new snapshot into db")
	}
	return snapshot, nil
}

// GetSnapshot gets one snapshot entity, identified by snapID, from the
// database.
func (d *Database) GetSnapshot(snapID string) (Snapshot, error) {
	var snapshot Snapshot
	if err := d.con.Get(snapID, &snapshot); err != nil {
		if errors.Is(err, bolthold.ErrNotFound) {
			return Snapshot{}, vErrors.NewNotFoundError("snapshot %s not found in db", snapID)
		}
		return Snapshot{}, errors.Wrap(err, "fetching snapshot")
	}
	return snapshot, nil
}

// ListSnapshotsForDevice lists all snapshots associated with a device.
func (d *Database) ListSnapshotsForDevice(device types.DevID) ([]Snapshot, error) {
	all, err := d.ListAllSnapshots()
	if err != nil {
		return nil, err
	}
	var ret []Snapshot
	for _, snap := range all {
		for _, vol := range snap.VolumeSnapshots {
			if vol.OriginalDisk.Major == device.Major && vol.OriginalDisk.Minor == device.Minor {
				ret = append(ret, snap)
				break
			}
		}
	}
	return ret, nil
}

// ListAllSnapshots lists all snapshots from the database.
func (d *Database) ListAllSnapshots() ([]Snapshot, error) {
	var snapshots []Snapshot
	if err := d.con.Find(&snapshots, nil); err != nil {
		return nil, errors.Wrap(err, "fetching snapshots")
	}
	return snapshots, nil
}

// DeleteSnapshot deletes a snapshot entity from the database.
func (d *Database) DeleteSnapshot(snapshotID string) error {
	if err := d.con.Delete(snapshotID, &Snapshot{}); err != nil && !errors.Is(err, bolthold.ErrNotFound) {
		return errors.Wrap(err, "deleting snapshot from db")
	}
	return nil
}
