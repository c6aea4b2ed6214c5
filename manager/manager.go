package manager

import (
	"context"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"coriolis-cow-engine/apiserver/params"
	"coriolis-cow-engine/config"
	"coriolis-cow-engine/db"
	vErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/blkdev"
	"coriolis-cow-engine/internal/cow"
	"coriolis-cow-engine/internal/diffstore"
	"coriolis-cow-engine/internal/events"
	"coriolis-cow-engine/internal/snapimage"
	"coriolis-cow-engine/internal/storage"
	"coriolis-cow-engine/internal/tracker"
	"coriolis-cow-engine/internal/types"
	"coriolis-cow-engine/internal/util"
)

// storageWatcherInterval is how often active snapshot sessions are
// checked for difference storage running low.
var storageWatcherInterval = 10 * time.Second

func NewManager(cfg *config.Config) (manager *Snapshot, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var dbNeedsInit bool

	if _, err := os.Stat(cfg.DBFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(err, "checking db file %s", cfg.DBFile)
		}
		dbNeedsInit = true
	}

	database, err := db.NewDatabase(cfg.DBFile)
	if err != nil {
		return nil, errors.Wrapf(err, "opening database %s", cfg.DBFile)
	}

	snapshotManager := &Snapshot{
		cfg:      cfg,
		db:       database,
		queue:    events.NewQueue(),
		trackers: map[string]*tracker.Tracker{},
		sessions: map[string]*snapshotSession{},
		quit:     make(chan struct{}),
	}
	if dbNeedsInit {
		defer func() {
			// The database requires init, but we failed to initialize
			// state on first run. Delete the newly created DB file, which
			// is not yet properly set up.
			if err != nil && dbNeedsInit {
				os.Remove(cfg.DBFile)
			}
		}()
	}

	// Storage files never survive a restart. Pre-allocated extents
	// from a previous run are meaningless without the in-memory
	// allocator state, so the destination folder is wiped on every
	// startup.
	err = snapshotManager.cleanStorage()
	if err != nil {
		return nil, errors.Wrap(err, "cleaning difference storage location")
	}

	err = snapshotManager.addStorageFilesLocation()
	if err != nil {
		return nil, errors.Wrap(err, "adding CoW destination to db")
	}

	err = snapshotManager.initTrackedDisks()
	if err != nil {
		return nil, errors.Wrap(err, "adding configured disks to tracking")
	}
	return snapshotManager, nil
}

// volumeCapture holds the live resources backing the capture of a
// single disk within a snapshot session.
type volumeCapture struct {
	trackingID string
	tracker    *tracker.Tracker
	image      *snapimage.Image

	// allocator and storageDev are nil for in-memory snapshots.
	allocator  *diffstore.Allocator
	storageDev *blkdev.Device
	location   db.StorageLocation
}

// snapshotSession is the in-memory state of one snapshot. Sessions do
// not survive a restart; on startup any leftover db records are only
// useful for CBT comparisons.
type snapshotSession struct {
	snapshotID string
	captures   map[string]*volumeCapture
}

type Snapshot struct {
	cfg   *config.Config
	db    *db.Database
	queue *events.Queue

	mux sync.Mutex
	// trackers holds the CBT session of every tracked disk, keyed
	// by tracking ID.
	trackers map[string]*tracker.Tracker
	// sessions holds active snapshots, keyed by snapshot ID.
	sessions map[string]*snapshotSession

	quit     chan struct{}
	workers  sync.WaitGroup
	stopOnce sync.Once
}

// Start launches the difference storage watcher.
func (m *Snapshot) Start() error {
	m.workers.Add(1)
	go m.storageWatcher()
	return nil
}

// Stop tears down active snapshot sessions and releases all resources
// held by the manager.
func (m *Snapshot) Stop() error {
	m.stopOnce.Do(func() {
		close(m.quit)
		m.workers.Wait()

		m.mux.Lock()
		for snapshotID, session := range m.sessions {
			if err := m.releaseSessionLocked(session); err != nil {
				log.Printf("releasing snapshot %s: %q", snapshotID, err)
			}
			delete(m.sessions, snapshotID)
		}
		for trackingID, trk := range m.trackers {
			if err := trk.Device().Close(); err != nil {
				log.Printf("closing device for %s: %q", trackingID, err)
			}
			delete(m.trackers, trackingID)
		}
		m.mux.Unlock()

		m.queue.Close()
		if err := m.db.Close(); err != nil {
			log.Printf("closing database: %q", err)
		}
	})
	return nil
}

// internalBlockVolumeToParamsBlockVolume converts an internal block volume
// to a params block volume. We copy the values because we want to be free to
// change the underlying storage implementation in the future, without changing
// the response the consumers get.
func internalBlockVolumeToParamsBlockVolume(volume storage.BlockVolume) params.BlockVolume {
	ret := params.BlockVolume{
		Name:               volume.Name,
		Path:               volume.Path,
		Size:               volume.Size,
		LogicalSectorSize:  volume.LogicalSectorSize,
		PhysicalSectorSize: volume.PhysicalSectorSize,
		AlignmentOffset:    volume.AlignmentOffset,
		Major:              volume.Major,
		Minor:              volume.Minor,
		IsVirtual:          volume.IsVirtual,
	}
	for _, val := range volume.Partitions {
		ret.Partitions = append(ret.Partitions, internalPartitionToParamsPartition(val))
	}
	return ret
}

func internalPartitionToParamsPartition(partition storage.Partition) params.Partition {
	return params.Partition{
		Name:            partition.Name,
		Path:            partition.Path,
		Sectors:         partition.Sectors,
		FilesystemType:  partition.FilesystemType,
		Mountpoint:      partition.Mountpoint,
		StartSector:     partition.StartSector,
		EndSector:       partition.EndSector,
		AlignmentOffset: partition.AlignmentOffset,
		Major:           partition.Major,
		Minor:           partition.Minor,
	}
}

// listDisks returns the block volumes visible to the system, minus
// the device hosting the CoW destination. Snapshotting the disk that
// holds difference storage would feed the engine its own writes.
func (m *Snapshot) listDisks(includeVirtual bool) ([]storage.BlockVolume, error) {
	devices, err := storage.BlockDeviceList(false)
	if err != nil {
		return nil, errors.Wrap(err, "listing devices")
	}

	location, err := m.db.GetStorageLocation(m.cfg.CoWDestination)
	if err != nil && !errors.Is(err, &vErrors.NotFoundError{}) {
		return nil, errors.Wrap(err, "fetching storage location")
	}

	var ret []storage.BlockVolume
	for _, val := range devices {
		if !includeVirtual && val.IsVirtual {
			continue
		}

		if val.Major == location.Major && val.Minor == location.Minor {
			continue
		}
		shouldExclude := false
		for _, part := range val.Partitions {
			if part.Major == location.Major && part.Minor == location.Minor {
				shouldExclude = true
				break
			}
		}
		if shouldExclude {
			continue
		}

		ret = append(ret, val)
	}

	return ret, nil
}

func (m *Snapshot) ListDisks(includeVirtual bool) ([]params.BlockVolume, error) {
	devices, err := m.listDisks(includeVirtual)
	if err != nil {
		return nil, errors.Wrap(err, "listing devices")
	}

	ret := make([]params.BlockVolume, len(devices))
	for idx, val := range devices {
		ret[idx] = internalBlockVolumeToParamsBlockVolume(val)
		exists, err := m.db.GetTrackedDisk(val.Major, val.Minor)
		if err != nil {
			if !errors.Is(err, &vErrors.NotFoundError{}) {
				return nil, errors.Wrap(err, "fetching DB entries")
			}
		} else {
			ret[idx].TrackingID = exists.TrackingID
		}
	}
	return ret, nil
}

///////////////////
// Tracked disks //
///////////////////

func (m *Snapshot) GetTrackedDisk(diskID string) (params.BlockVolume, error) {
	if diskID == "" {
		return params.BlockVolume{}, vErrors.NewBadRequestError("invalid disk id")
	}
	disk, err := m.db.GetTrackedDiskByTrackingID(diskID)
	if err != nil {
		return params.BlockVolume{}, errors.Wrap(err, "fetching from db")
	}

	volume, err := m.findDiskByPath(disk.Path)
	if err != nil {
		return params.BlockVolume{}, errors.Wrap(err, "fetching disk")
	}
	ret := internalBlockVolumeToParamsBlockVolume(volume)
	ret.TrackingID = disk.TrackingID
	return ret, nil
}

func (m *Snapshot) findDiskByPath(path string) (storage.BlockVolume, error) {
	disks, err := m.listDisks(true)
	if err != nil {
		return storage.BlockVolume{}, errors.Wrap(err, "fetching disk list")
	}

	for _, val := range disks {
		if val.Path == path {
			return val, nil
		}
	}

	return storage.BlockVolume{}, vErrors.NewNotFoundError("could not find %s", path)
}

func (m *Snapshot) AddTrackedDisk(disk params.AddTrackedDiskRequest) (params.BlockVolume, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.addTrackedDisk(disk)
}

func (m *Snapshot) addTrackedDisk(disk params.AddTrackedDiskRequest) (params.BlockVolume, error) {
	volume, err := m.findDiskByPath(disk.DevicePath)
	if err != nil {
		return params.BlockVolume{}, errors.Wrap(err, "fetching disk")
	}

	if volume.HasMountedPartitions() {
		log.Printf("device %s has mounted partitions; writes from those mounts bypass interception", volume.Path)
	}

	exists, err := m.db.GetTrackedDisk(volume.Major, volume.Minor)
	if err != nil {
		if !errors.Is(err, &vErrors.NotFoundError{}) {
			return params.BlockVolume{}, errors.Wrap(err, "fetching DB entries")
		}
	}

	var dbObject db.TrackedDisk
	if exists == (db.TrackedDisk{}) {
		addDevParams := db.TrackedDisk{
			TrackingID: filepath.Base(volume.Path),
			Path:       volume.Path,
			Major:      volume.Major,
			Minor:      volume.Minor,
		}

		dbObject, err = m.db.CreateTrackedDisk(addDevParams)
		if err != nil {
			return params.BlockVolume{}, errors.Wrapf(err, "adding db entry for %s", volume.Path)
		}
	} else {
		dbObject = exists
	}

	if _, ok := m.trackers[dbObject.TrackingID]; !ok {
		log.Printf("adding %s to tracking", volume.Path)
		dev, err := blkdev.Open(volume.Path)
		if err != nil {
			return params.BlockVolume{}, errors.Wrapf(err, "opening %s", volume.Path)
		}
		trk, err := tracker.New(
			dev,
			types.DevID{Major: volume.Major, Minor: volume.Minor},
			m.queue,
			tracker.CBTParams{
				BlockMinShift: m.cfg.Engine.TrackingBlockMinShift,
				BlockMaxCount: m.cfg.Engine.TrackingBlockMaxCount,
			})
		if err != nil {
			dev.Close()
			return params.BlockVolume{}, errors.Wrapf(err, "tracking %s", volume.Path)
		}
		m.trackers[dbObject.TrackingID] = trk
	}

	ret := internalBlockVolumeToParamsBlockVolume(volume)
	ret.TrackingID = dbObject.TrackingID
	return ret, nil
}

// tracked returns the live tracker for a tracking ID. Callers must
// hold m.mux.
func (m *Snapshot) tracked(trackingID string) (*tracker.Tracker, error) {
	trk, ok := m.trackers[trackingID]
	if !ok {
		return nil, vErrors.NewNotFoundError("disk %s is not tracked", trackingID)
	}
	return trk, nil
}

func (m *Snapshot) GetCBTInfo(trackingID string) (params.CBTInfoResponse, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	trk, err := m.tracked(trackingID)
	if err != nil {
		return params.CBTInfoResponse{}, err
	}

	info := trk.CBTInfo()
	return params.CBTInfoResponse{
		TrackedDiskID:  trackingID,
		DeviceSize:     info.DevCapacity << types.SectorShift,
		CBTBlockSize:   info.BlockSize,
		BlockCount:     info.BlockCount,
		SnapshotNumber: uint32(info.SnapNumber),
		GenerationID:   uuid.UUID(info.GenerationID).String(),
	}, nil
}

// ReadCBTBitmap returns a window of the frozen CBT map of a tracked
// disk. A zero length means the rest of the map from offset onwards.
func (m *Snapshot) ReadCBTBitmap(trackingID string, offset, length uint64) ([]byte, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	trk, err := m.tracked(trackingID)
	if err != nil {
		return nil, err
	}

	if length == 0 {
		info := trk.CBTInfo()
		if offset >= info.BlockCount {
			return nil, vErrors.NewOutOfRangeError("offset %d past end of map", offset)
		}
		length = info.BlockCount - offset
	}
	return trk.ReadCBT(offset, length)
}

// MarkDirtyBlocks flags sector ranges of a tracked disk as changed.
// Backup tooling calls this when previously fetched data was lost and
// must be included again in the next incremental.
func (m *Snapshot) MarkDirtyBlocks(trackingID string, param params.MarkDirtyBlocksRequest) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	trk, err := m.tracked(trackingID)
	if err != nil {
		return err
	}

	ranges := make([]types.BlockRange, len(param.Ranges))
	for idx, val := range param.Ranges {
		ranges[idx] = types.BlockRange{
			Offset: val.StartOffset >> types.SectorShift,
			Count:  (val.Length + types.SectorSize - 1) >> types.SectorShift,
		}
	}
	return trk.MarkDirtyBlocks(ranges)
}

// NotifyWrite records a write to a tracked disk. CBT is updated and,
// if the disk is captured, the touched chunks are preserved first.
// Embedding code sits in the write path of the device and calls this
// before issuing the actual write.
func (m *Snapshot) NotifyWrite(trackingID string, startSector, sectorCount uint64, allowBlocking bool) error {
	m.mux.Lock()
	trk, err := m.tracked(trackingID)
	m.mux.Unlock()
	if err != nil {
		return err
	}
	return trk.InterceptWrite(startSector, sectorCount, allowBlocking)
}

////////////////////////////////
// Difference storage location //
////////////////////////////////

func (m *Snapshot) getStorageLocationInfo(location db.StorageLocation) (params.StorageLocation, error) {
	fsInfo, err := util.GetFileSystemInfoFromPath(location.Path)
	if err != nil {
		return params.StorageLocation{}, errors.Wrap(err, "fetching filesystem info")
	}

	files, err := m.db.FindStorageLocationFiles(location.TrackingID)
	if err != nil {
		return params.StorageLocation{}, errors.Wrap(err, "fetching storage files")
	}
	var totalAllocated uint64
	for _, file := range files {
		totalAllocated += file.Size
	}

	return params.StorageLocation{
		ID:                location.TrackingID,
		AllocatedCapacity: totalAllocated,
		AvailableCapacity: fsInfo.Bavail * uint64(fsInfo.Bsize),
		TotalCapacity:     location.TotalCapacity,
		Path:              location.Path,
		DevicePath:        location.DevicePath,
		Major:             location.Major,
		Minor:             location.Minor,
	}, nil
}

func (m *Snapshot) GetStorageLocation(locationID string) (params.StorageLocation, error) {
	location, err := m.db.GetStorageLocationByID(locationID)
	if err != nil {
		return params.StorageLocation{}, errors.Wrap(err, "fetching storage location")
	}
	return m.getStorageLocationInfo(location)
}

func (m *Snapshot) ListStorageLocations() ([]params.StorageLocation, error) {
	locations, err := m.db.ListStorageLocations()
	if err != nil {
		return nil, errors.Wrap(err, "fetching storage locations")
	}
	ret := make([]params.StorageLocation, len(locations))
	for idx, val := range locations {
		info, err := m.getStorageLocationInfo(val)
		if err != nil {
			return nil, errors.Wrapf(err, "fetching info for %s", val.Path)
		}
		ret[idx] = info
	}
	return ret, nil
}

///////////////
// Snapshots //
///////////////

// allocateStorageFile pre-allocates one difference storage file in
// the given location and registers its physical extents with the
// allocator. The file keeps the filesystem from reusing the extents
// while the allocator owns them.
func (m *Snapshot) allocateStorageFile(location db.StorageLocation, snapshotID string, alloc *diffstore.Allocator) (db.StorageFile, error) {
	filePath := filepath.Join(location.Path, uuid.New().String())
	size := int64(m.cfg.Engine.StorageFileSize)
	if err := util.CreateStorageFile(filePath, size); err != nil {
		return db.StorageFile{}, errors.Wrapf(err, "creating %s", filePath)
	}

	cleanupFile := true
	defer func() {
		if cleanupFile {
			os.Remove(filePath)
		}
	}()

	ranges, devID, err := util.GetFileRanges(filePath)
	if err != nil {
		return db.StorageFile{}, errors.Wrapf(err, "fetching extents of %s", filePath)
	}
	if devID.Major != location.Major || devID.Minor != location.Minor {
		return db.StorageFile{}, errors.Errorf(
			"file %s landed on %d:%d, expected %d:%d",
			filePath, devID.Major, devID.Minor, location.Major, location.Minor)
	}

	dbFile, err := m.db.CreateStorageFile(db.StorageFile{
		StorageLocation: location,
		SnapshotID:      snapshotID,
		Path:            filePath,
		Size:            uint64(size),
	})
	if err != nil {
		return db.StorageFile{}, errors.Wrap(err, "creating db entry")
	}

	// Once registered, the extents cannot be revoked; from here on
	// the file must outlive the snapshot.
	alloc.AddRanges(ranges)
	cleanupFile = false
	return dbFile, nil
}

func (m *Snapshot) cowParams() cow.Params {
	return cow.Params{
		ChunkMinShift:   m.cfg.Engine.ChunkMinShift,
		ChunkMaxCount:   m.cfg.Engine.ChunkMaxCount,
		ChunkMaxInCache: m.cfg.Engine.ChunkMaxInCache,
		BufferPoolSize:  m.cfg.Engine.BufferPoolSize,
	}
}

func (m *Snapshot) CreateSnapshot(param params.CreateSnapshotRequest) (resp params.SnapshotResponse, err error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	if len(param.TrackedDiskIDs) == 0 {
		return params.SnapshotResponse{}, vErrors.NewBadRequestError("no disks specified")
	}

	trackers := map[string]*tracker.Tracker{}
	for _, trackingID := range param.TrackedDiskIDs {
		trk, err := m.tracked(trackingID)
		if err != nil {
			return params.SnapshotResponse{}, err
		}
		if trk.IsCaptured() {
			return params.SnapshotResponse{}, vErrors.NewConflictError("disk %s is part of an active snapshot", trackingID)
		}
		trackers[trackingID] = trk
	}

	var location db.StorageLocation
	if !m.cfg.Engine.SnapshotInMemory {
		location, err = m.db.GetStorageLocation(m.cfg.CoWDestination)
		if err != nil {
			return params.SnapshotResponse{}, errors.Wrap(err, "fetching storage location")
		}
		if !location.Enabled {
			return params.SnapshotResponse{}, vErrors.NewConflictError("storage location %s is disabled", location.Path)
		}
	}

	snapshotID := uuid.New().String()
	session := &snapshotSession{
		snapshotID: snapshotID,
		captures:   map[string]*volumeCapture{},
	}

	defer func() {
		if err != nil {
			if rerr := m.releaseSessionLocked(session); rerr != nil {
				log.Printf("cleaning up failed snapshot %s: %q", snapshotID, rerr)
			}
		}
	}()

	var volumeSnapshots []db.VolumeSnapshot
	for trackingID, trk := range trackers {
		capture := &volumeCapture{
			trackingID: trackingID,
			tracker:    trk,
			location:   location,
		}
		session.captures[trackingID] = capture

		if !m.cfg.Engine.SnapshotInMemory {
			storageDev, err := blkdev.Open(location.DevicePath)
			if err != nil {
				return params.SnapshotResponse{}, errors.Wrapf(err, "opening storage device %s", location.DevicePath)
			}
			capture.storageDev = storageDev

			capture.allocator = diffstore.NewAllocator(
				storageDev,
				types.DevID{Major: location.Major, Minor: location.Minor},
				m.queue,
				m.cfg.Engine.StorageLowWatermark)

			if _, err := m.allocateStorageFile(location, snapshotID, capture.allocator); err != nil {
				return params.SnapshotResponse{}, errors.Wrapf(err, "allocating storage for %s", trackingID)
			}
		}

		image, err := trk.Capture(capture.allocator, m.cowParams())
		if err != nil {
			return params.SnapshotResponse{}, errors.Wrapf(err, "capturing %s", trackingID)
		}
		capture.image = image

		info := trk.CBTInfo()
		bitmap, err := trk.ReadCBT(0, info.BlockCount)
		if err != nil {
			return params.SnapshotResponse{}, errors.Wrapf(err, "reading CBT of %s", trackingID)
		}

		dbDisk, err := m.db.GetTrackedDiskByTrackingID(trackingID)
		if err != nil {
			return params.SnapshotResponse{}, errors.Wrap(err, "fetching disk from db")
		}

		volumeSnapshots = append(volumeSnapshots, db.VolumeSnapshot{
			TrackingID:     trackingID,
			SnapshotID:     snapshotID,
			SnapshotNumber: uint32(info.SnapNumber),
			GenerationID:   uuid.UUID(info.GenerationID).String(),
			OriginalDisk:   dbDisk,
			DeviceSize:     info.DevCapacity << types.SectorShift,
			CBTBlockSize:   info.BlockSize,
			Bitmap:         bitmap,
		})
	}

	dbSnapshot, err := m.db.CreateSnapshot(db.Snapshot{
		SnapshotID:      snapshotID,
		VolumeSnapshots: volumeSnapshots,
	})
	if err != nil {
		return params.SnapshotResponse{}, errors.Wrap(err, "persisting snapshot")
	}

	m.sessions[snapshotID] = session
	return dbSnapshotToParamsSnapshot(dbSnapshot), nil
}

func dbSnapshotToParamsSnapshot(snapshot db.Snapshot) params.SnapshotResponse {
	ret := params.SnapshotResponse{
		SnapshotID: snapshot.SnapshotID,
	}
	for _, vol := range snapshot.VolumeSnapshots {
		ret.VolumeSnapshots = append(ret.VolumeSnapshots, params.VolumeSnapshot{
			SnapshotNumber: vol.SnapshotNumber,
			GenerationID:   vol.GenerationID,
			SizeBytes:      vol.DeviceSize,
			OriginalDevice: params.TrackedDevice{
				TrackingID: vol.OriginalDisk.TrackingID,
				DevicePath: vol.OriginalDisk.Path,
				Major:      vol.OriginalDisk.Major,
				Minor:      vol.OriginalDisk.Minor,
			},
		})
	}
	return ret
}

func (m *Snapshot) GetSnapshot(snapshotID string) (params.SnapshotResponse, error) {
	snapshot, err := m.db.GetSnapshot(snapshotID)
	if err != nil {
		return params.SnapshotResponse{}, errors.Wrap(err, "fetching snapshot")
	}
	return dbSnapshotToParamsSnapshot(snapshot), nil
}

func (m *Snapshot) ListSnapshots() ([]params.SnapshotResponse, error) {
	snapshots, err := m.db.ListAllSnapshots()
	if err != nil {
		return nil, errors.Wrap(err, "fetching snapshots")
	}
	ret := make([]params.SnapshotResponse, len(snapshots))
	for idx, val := range snapshots {
		ret[idx] = dbSnapshotToParamsSnapshot(val)
	}
	return ret, nil
}

// releaseSessionLocked tears down the live resources of a session.
// Storage files are deleted only after the captures are released, at
// which point no allocator extent can still point at them. Callers
// must hold m.mux.
func (m *Snapshot) releaseSessionLocked(session *snapshotSession) error {
	var firstErr error
	for _, capture := range session.captures {
		if capture.tracker.IsCaptured() {
			if err := capture.tracker.Release(); err != nil && firstErr == nil {
				firstErr = errors.Wrapf(err, "releasing capture of %s", capture.trackingID)
			}
		}
		if capture.storageDev != nil {
			if err := capture.storageDev.Close(); err != nil && firstErr == nil {
				firstErr = errors.Wrap(err, "closing storage device")
			}
		}
	}

	files, err := m.db.FindSnapshotStorageFiles(session.snapshotID)
	if err != nil {
		if firstErr == nil {
			firstErr = errors.Wrap(err, "fetching storage files")
		}
		return firstErr
	}
	for _, file := range files {
		if err := os.Remove(file.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("removing %s: %q", file.Path, err)
		}
		if err := m.db.DeleteStorageFile(file.TrackingID); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "removing db entry for %s", file.Path)
		}
	}
	return firstErr
}

func (m *Snapshot) DeleteSnapshot(snapshotID string) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	if _, err := m.db.GetSnapshot(snapshotID); err != nil {
		return errors.Wrap(err, "fetching snapshot")
	}

	if session, ok := m.sessions[snapshotID]; ok {
		if err := m.releaseSessionLocked(session); err != nil {
			return errors.Wrap(err, "releasing snapshot")
		}
		delete(m.sessions, snapshotID)
	}

	if err := m.db.DeleteSnapshot(snapshotID); err != nil {
		return errors.Wrap(err, "removing snapshot from db")
	}
	return nil
}

// AddSnapshotStorage pre-allocates one more storage file for a disk
// of an active snapshot and registers its extents with the allocator.
// Callable at any time, including in response to a low-space event.
func (m *Snapshot) AddSnapshotStorage(snapshotID, trackingID string) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	session, ok := m.sessions[snapshotID]
	if !ok {
		return vErrors.NewNotFoundError("no active session for snapshot %s", snapshotID)
	}
	capture, ok := session.captures[trackingID]
	if !ok {
		return vErrors.NewNotFoundError("disk %s is not part of snapshot %s", trackingID, snapshotID)
	}
	if capture.allocator == nil {
		return vErrors.NewBadRequestError("snapshot %s is in-memory", snapshotID)
	}

	if _, err := m.allocateStorageFile(capture.location, snapshotID, capture.allocator); err != nil {
		return errors.Wrapf(err, "adding storage for %s", trackingID)
	}
	return nil
}

// SnapshotImageReader returns a reader over the point-in-time image
// of one disk in a snapshot. The data is only available while the
// session is live.
func (m *Snapshot) SnapshotImageReader(snapshotID, trackingID string) (*io.SectionReader, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	session, ok := m.sessions[snapshotID]
	if !ok {
		return nil, vErrors.NewNotFoundError("no active session for snapshot %s", snapshotID)
	}
	capture, ok := session.captures[trackingID]
	if !ok {
		return nil, vErrors.NewNotFoundError("disk %s is not part of snapshot %s", trackingID, snapshotID)
	}
	return io.NewSectionReader(capture.image, 0, capture.image.Size()), nil
}

/////////////
// Changes //
/////////////

// GetChangedSectors computes the disk ranges a backup of the given
// snapshot must copy. The first snapshot of a CBT generation always
// yields a full backup; later ones yield the blocks stamped after the
// previous snapshot of the same generation.
func (m *Snapshot) GetChangedSectors(snapshotID, trackingID string) (params.ChangesResponse, error) {
	snapshot, err := m.db.GetSnapshot(snapshotID)
	if err != nil {
		return params.ChangesResponse{}, errors.Wrap(err, "fetching snapshot")
	}

	var vol *db.VolumeSnapshot
	for idx := range snapshot.VolumeSnapshots {
		if snapshot.VolumeSnapshots[idx].TrackingID == trackingID {
			vol = &snapshot.VolumeSnapshots[idx]
			break
		}
	}
	if vol == nil {
		return params.ChangesResponse{}, vErrors.NewNotFoundError("disk %s is not part of snapshot %s", trackingID, snapshotID)
	}

	ret := params.ChangesResponse{
		TrackedDiskID: trackingID,
		SnapshotID:    snapshotID,
		CBTBlockSize:  int(vol.CBTBlockSize),
	}

	previous, err := m.findPreviousSnapshotNumber(vol)
	if err != nil {
		return params.ChangesResponse{}, err
	}

	if previous == 0 {
		ret.BackupType = params.BackupTypeFull
		ret.Ranges = []params.DiskRange{
			{
				StartOffset: 0,
				Length:      vol.DeviceSize,
			},
		}
		return ret, nil
	}

	ret.BackupType = params.BackupTypeIncremental
	ret.Ranges = changedRanges(vol.Bitmap, byte(previous), uint64(vol.CBTBlockSize), vol.DeviceSize)
	return ret, nil
}

// findPreviousSnapshotNumber returns the snapshot number this capture
// can be diffed against, or zero when only a full backup is possible.
func (m *Snapshot) findPreviousSnapshotNumber(vol *db.VolumeSnapshot) (uint32, error) {
	snapshots, err := m.db.ListSnapshotsForDevice(types.DevID{
		Major: vol.OriginalDisk.Major,
		Minor: vol.OriginalDisk.Minor,
	})
	if err != nil {
		return 0, errors.Wrap(err, "fetching snapshots for device")
	}

	var previous uint32
	for _, snap := range snapshots {
		for _, other := range snap.VolumeSnapshots {
			if other.TrackingID != vol.TrackingID {
				continue
			}
			if other.GenerationID != vol.GenerationID {
				// A different generation means tracking data was
				// discarded in between; those snapshots cannot
				// anchor an incremental.
				continue
			}
			if other.SnapshotNumber < vol.SnapshotNumber && other.SnapshotNumber > previous {
				previous = other.SnapshotNumber
			}
		}
	}
	return previous, nil
}

// changedRanges coalesces the blocks stamped after snapshot number
// prev into byte ranges, clamped to the device size.
func changedRanges(bitmap []byte, prev byte, blockSize, deviceSize uint64) []params.DiskRange {
	var ret []params.DiskRange
	var current *params.DiskRange

	for idx, stamp := range bitmap {
		if stamp <= prev {
			current = nil
			continue
		}
		offset := uint64(idx) * blockSize
		length := blockSize
		if offset+length > deviceSize {
			length = deviceSize - offset
		}
		if current != nil && current.StartOffset+current.Length == offset {
			current.Length += length
			continue
		}
		ret = append(ret, params.DiskRange{StartOffset: offset, Length: length})
		current = &ret[len(ret)-1]
	}
	return ret
}

////////////
// Events //
////////////

// WaitForEvent blocks until the engine emits an event, the timeout
// elapses or ctx is cancelled. Used by the API long poll.
func (m *Snapshot) WaitForEvent(ctx context.Context, timeout time.Duration) (params.EventResponse, error) {
	event, err := m.queue.Wait(ctx, timeout)
	if err != nil {
		return params.EventResponse{}, err
	}
	return params.EventResponse{
		Code:    int(event.Code),
		Payload: string(event.Payload),
	}, nil
}

// Init functions.
// These functions should only be run *once* when the
// service is first started after a reboot.

// cleanStorage removes all files and folders inside the configured
// CoWDestination specified in the config.
func (m *Snapshot) cleanStorage() error {
	if _, err := os.Stat(m.cfg.CoWDestination); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return errors.Wrapf(err, "checking CoWDestination %s", m.cfg.CoWDestination)
		}
		if err := os.MkdirAll(m.cfg.CoWDestination, 00770); err != nil {
			return errors.Wrapf(err, "creating %s", m.cfg.CoWDestination)
		}
		// We created the folder, there is nothing to clean.
		return nil
	}
	files, err := os.ReadDir(m.cfg.CoWDestination)
	if err != nil {
		return errors.Wrapf(err, "reading %s", m.cfg.CoWDestination)
	}

	for _, item := range files {
		fullPath := filepath.Join(m.cfg.CoWDestination, item.Name())
		if err := os.RemoveAll(fullPath); err != nil {
			return errors.Wrapf(err, "removing %s", fullPath)
		}
	}
	return nil
}

// addStorageFilesLocation records the configured CoWDestination in
// the database.
func (m *Snapshot) addStorageFilesLocation() error {
	path := m.cfg.CoWDestination

	fsInfo, err := util.GetFileSystemInfoFromPath(path)
	if err != nil {
		return errors.Wrap(err, "fetching filesystem info")
	}

	deviceInfo, err := util.GetBlockDeviceInfoFromFile(path)
	if err != nil {
		return errors.Wrap(err, "fetching device info")
	}

	allTrackedDisks, err := m.db.GetAllTrackedDisks()
	if err != nil {
		return errors.Wrap(err, "fetching tracked disks")
	}
	for _, tracked := range allTrackedDisks {
		if tracked.Major == deviceInfo.Major && tracked.Minor == deviceInfo.Minor {
			return vErrors.NewConflictError("location %s is on tracked disk %s", path, tracked.Path)
		}
	}

	existing, err := m.db.GetStorageLocation(path)
	if err != nil {
		if !errors.Is(err, &vErrors.NotFoundError{}) {
			return errors.Wrap(err, "fetching storage location info")
		}
	} else {
		// Same path on the same device; nothing to update.
		if existing.Major == deviceInfo.Major && existing.Minor == deviceInfo.Minor {
			return nil
		}
		return vErrors.NewConflictError("location %s moved from %d:%d to %d:%d",
			path, existing.Major, existing.Minor, deviceInfo.Major, deviceInfo.Minor)
	}

	_, err = m.db.CreateStorageLocation(db.StorageLocation{
		Path:          path,
		TotalCapacity: fsInfo.Blocks * uint64(fsInfo.Bsize),
		DevicePath:    deviceInfo.DevicePath,
		Major:         deviceInfo.Major,
		Minor:         deviceInfo.Minor,
		Enabled:       true,
	})
	if err != nil {
		return errors.Wrap(err, "creating db entry")
	}
	return nil
}

// initTrackedDisks re-arms tracking for disks recorded in the db and
// adds the disks named in the config. Tracking data itself does not
// survive a restart; every session starts with a fresh generation.
func (m *Snapshot) initTrackedDisks() error {
	m.mux.Lock()
	defer m.mux.Unlock()

	known, err := m.db.GetAllTrackedDisks()
	if err != nil {
		return errors.Wrap(err, "fetching tracked disks")
	}

	paths := map[string]struct{}{}
	for _, val := range known {
		paths[val.Path] = struct{}{}
	}
	for _, val := range m.cfg.TrackedDisks {
		paths[val] = struct{}{}
	}

	for path := range paths {
		newDevParams := params.AddTrackedDiskRequest{
			DevicePath: path,
		}
		if _, err := m.addTrackedDisk(newDevParams); err != nil {
			if errors.Is(err, &vErrors.NotFoundError{}) {
				// A disk recorded in a previous run may be gone.
				log.Printf("skipping missing disk %s", path)
				continue
			}
			return errors.Wrapf(err, "adding disk %s to tracking", path)
		}
	}
	return nil
}

// End init functions.

// storageWatcher tops up difference storage of active sessions before
// their allocators run dry. A hard allocation failure corrupts the
// whole difference area, so new extents are registered as soon as
// free space dips below the low watermark.
func (m *Snapshot) storageWatcher() {
	defer m.workers.Done()

	ticker := time.NewTicker(storageWatcherInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
		}

		m.mux.Lock()
		for _, session := range m.sessions {
			for _, capture := range session.captures {
				if capture.allocator == nil {
					continue
				}
				free := capture.allocator.FreeSectors()
				if free >= m.cfg.Engine.StorageLowWatermark {
					continue
				}
				log.Printf("snapshot %s disk %s: %d free sectors left, adding storage",
					session.snapshotID, capture.trackingID, free)
				if _, err := m.allocateStorageFile(capture.location, session.snapshotID, capture.allocator); err != nil {
					log.Printf("adding storage for snapshot %s disk %s: %q",
						session.snapshotID, capture.trackingID, err)
				}
			}
		}
		m.mux.Unlock()
	}
}
