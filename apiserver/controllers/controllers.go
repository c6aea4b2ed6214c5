package controllers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"coriolis-cow-engine/apiserver/params"
	gErrors "coriolis-cow-engine/errors"
	"coriolis-cow-engine/internal/system"
	"coriolis-cow-engine/manager"
)

// defaultEventTimeout is how long the events long poll blocks before
// returning an empty response.
var defaultEventTimeout = 30 * time.Second

// NewAPIController returns a new instance of APIController
func NewAPIController(mgr *manager.Snapshot) (*APIController, error) {
	return &APIController{
		mgr: mgr,
	}, nil
}

func parseBoolParam(arg string, defaultValue bool) bool {
	if arg == "" {
		return defaultValue
	}
	parsed, _ := strconv.ParseBool(arg)
	return parsed
}

func parseUintParam(arg string, defaultValue uint64) (uint64, error) {
	if arg == "" {
		return defaultValue, nil
	}
	return strconv.ParseUint(arg, 10, 64)
}

func handleError(w http.ResponseWriter, err error) {
	w.Header().Add("Content-Type", "application/json")
	origErr := errors.Cause(err)
	apiErr := params.APIErrorResponse{
		Details: origErr.Error(),
	}

	switch origErr.(type) {
	case *gErrors.NotFoundError:
		w.WriteHeader(http.StatusNotFound)
		apiErr.Error = "Not Found"
	case *gErrors.BadRequestError:
		w.WriteHeader(http.StatusBadRequest)
		apiErr.Error = "Bad Request"
	case *gErrors.ConflictError:
		w.WriteHeader(http.StatusConflict)
		apiErr.Error = "Conflict"
	default:
		switch origErr {
		case gErrors.ErrNotFound:
			w.WriteHeader(http.StatusNotFound)
			apiErr.Error = "Not Found"
		case gErrors.ErrBadRequest:
			w.WriteHeader(http.StatusBadRequest)
			apiErr.Error = "Bad Request"
		default:
			log.Printf("Unhandled error: %+v", err)
			w.WriteHeader(http.StatusInternalServerError)
			apiErr.Error = "Server error"
		}
	}

	json.NewEncoder(w).Encode(apiErr)
}

// APIController implements all API handlers.
type APIController struct {
	mgr *manager.Snapshot
}

// ListDisksHandler lists all block devices visible to the engine.
func (a *APIController) ListDisksHandler(w http.ResponseWriter, r *http.Request) {
	includeVirtualArg := r.URL.Query().Get("includeVirtual")
	includeVirtual := parseBoolParam(includeVirtualArg, false)
	disks, err := a.mgr.ListDisks(includeVirtual)
	if err != nil {
		log.Printf("failed to list disks: %q", err)
		handleError(w, err)
		return
	}
	json.NewEncoder(w).Encode(disks)
}

func (a *APIController) GetDiskHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	diskID, ok := vars["diskTrackingID"]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	disk, err := a.mgr.GetTrackedDisk(diskID)
	if err != nil {
		log.Printf("failed to get disk: %q", err)
		handleError(w, err)
		return
	}
	json.NewEncoder(w).Encode(disk)
}

func (a *APIController) AddTrackedDiskHandler(w http.ResponseWriter, r *http.Request) {
	var newDiskParams params.AddTrackedDiskRequest
	if err := json.NewDecoder(r.Body).Decode(&newDiskParams); err != nil {
		handleError(w, gErrors.NewBadRequestError("invalid disk params"))
		return
	}

	disk, err := a.mgr.AddTrackedDisk(newDiskParams)
	if err != nil {
		log.Printf("failed to add disk to tracking: %q", err)
		handleError(w, err)
		return
	}
	json.NewEncoder(w).Encode(disk)
}

func (a *APIController) GetCBTInfoHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	diskID, ok := vars["diskTrackingID"]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	info, err := a.mgr.GetCBTInfo(diskID)
	if err != nil {
		log.Printf("failed to get CBT info: %q", err)
		handleError(w, err)
		return
	}
	json.NewEncoder(w).Encode(info)
}

// GetCBTBitmapHandler returns a raw window of the frozen CBT map. The
// optional offset and length query parameters are expressed in
// tracking blocks.
func (a *APIController) GetCBTBitmapHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	diskID, ok := vars["diskTrackingID"]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	offset, err := parseUintParam(r.URL.Query().Get("offset"), 0)
	if err != nil {
		handleError(w, gErrors.NewBadRequestError("invalid offset"))
		return
	}
	length, err := parseUintParam(r.URL.Query().Get("length"), 0)
	if err != nil {
		handleError(w, gErrors.NewBadRequestError("invalid length"))
		return
	}

	bitmap, err := a.mgr.ReadCBTBitmap(diskID, offset, length)
	if err != nil {
		log.Printf("failed to read CBT bitmap: %q", err)
		handleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(bitmap)
}

func (a *APIController) MarkDirtyBlocksHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	diskID, ok := vars["diskTrackingID"]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var markParams params.MarkDirtyBlocksRequest
	if err := json.NewDecoder(r.Body).Decode(&markParams); err != nil {
		handleError(w, gErrors.NewBadRequestError("invalid ranges"))
		return
	}

	if err := a.mgr.MarkDirtyBlocks(diskID, markParams); err != nil {
		log.Printf("failed to mark dirty blocks: %q", err)
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *APIController) ListStorageLocationsHandler(w http.ResponseWriter, r *http.Request) {
	locations, err := a.mgr.ListStorageLocations()
	if err != nil {
		log.Printf("failed to list storage locations: %q", err)
		handleError(w, err)
		return
	}
	json.NewEncoder(w).Encode(locations)
}

func (a *APIController) GetStorageLocationHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	locationID, ok := vars["locationID"]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	location, err := a.mgr.GetStorageLocation(locationID)
	if err != nil {
		log.Printf("failed to get storage location: %q", err)
		handleError(w, err)
		return
	}
	json.NewEncoder(w).Encode(location)
}

func (a *APIController) CreateSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	var newSnapshotParams params.CreateSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&newSnapshotParams); err != nil {
		handleError(w, gErrors.NewBadRequestError("invalid snapshot params"))
		return
	}

	snapshot, err := a.mgr.CreateSnapshot(newSnapshotParams)
	if err != nil {
		log.Printf("failed to create snapshot: %q", err)
		handleError(w, err)
		return
	}
	json.NewEncoder(w).Encode(snapshot)
}

func (a *APIController) ListSnapshotsHandler(w http.ResponseWriter, r *http.Request) {
	snapshots, err := a.mgr.ListSnapshots()
	if err != nil {
		log.Printf("failed to list snapshots: %q", err)
		handleError(w, err)
		return
	}
	json.NewEncoder(w).Encode(snapshots)
}

func (a *APIController) GetSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snapshotID, ok := vars["snapshotID"]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	snapshot, err := a.mgr.GetSnapshot(snapshotID)
	if err != nil {
		log.Printf("failed to get snapshot: %q", err)
		handleError(w, err)
		return
	}
	json.NewEncoder(w).Encode(snapshot)
}

func (a *APIController) DeleteSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snapshotID, ok := vars["snapshotID"]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err := a.mgr.DeleteSnapshot(snapshotID); err != nil {
		log.Printf("failed to delete snapshot: %q", err)
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *APIController) GetChangedSectorsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snapshotID, ok := vars["snapshotID"]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	diskID, ok := vars["trackedDiskID"]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	changes, err := a.mgr.GetChangedSectors(snapshotID, diskID)
	if err != nil {
		log.Printf("failed to get changes: %q", err)
		handleError(w, err)
		return
	}
	json.NewEncoder(w).Encode(changes)
}

// AddSnapshotStorageHandler registers additional difference storage
// for one disk of an active snapshot.
func (a *APIController) AddSnapshotStorageHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snapshotID, ok := vars["snapshotID"]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	diskID, ok := vars["trackedDiskID"]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err := a.mgr.AddSnapshotStorage(snapshotID, diskID); err != nil {
		log.Printf("failed to add snapshot storage: %q", err)
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ConsumeSnapshotHandler serves the point-in-time image of one disk
// in a snapshot. Range requests are honored, so a backup client can
// fetch just the ranges returned by the changes endpoint.
func (a *APIController) ConsumeSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snapshotID, ok := vars["snapshotID"]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	diskID, ok := vars["trackedDiskID"]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	reader, err := a.mgr.SnapshotImageReader(snapshotID, diskID)
	if err != nil {
		log.Printf("failed to get snapshot image: %q", err)
		handleError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, diskID, time.Time{}, reader)
}

// WaitForEventHandler blocks until the engine emits an event or the
// poll times out, in which case a 204 is returned and the client is
// expected to retry.
func (a *APIController) WaitForEventHandler(w http.ResponseWriter, r *http.Request) {
	timeout := defaultEventTimeout
	if ms, err := parseUintParam(r.URL.Query().Get("timeout"), 0); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	event, err := a.mgr.WaitForEvent(r.Context(), timeout)
	if err != nil {
		switch errors.Cause(err) {
		case gErrors.ErrEmptyQueue, gErrors.ErrInterrupted:
			w.WriteHeader(http.StatusNoContent)
		default:
			log.Printf("failed to wait for event: %q", err)
			handleError(w, err)
		}
		return
	}
	json.NewEncoder(w).Encode(event)
}

// SystemInfoHandler returns hardware and OS information about the
// machine the engine runs on.
func (a *APIController) SystemInfoHandler(w http.ResponseWriter, r *http.Request) {
	info, err := system.GetSystemInfo()
	if err != nil {
		log.Printf("failed to get system info: %q", err)
		handleError(w, err)
		return
	}
	json.NewEncoder(w).Encode(info)
}

// NotFoundHandler is returned when an invalid URL is acccessed
func (a *APIController) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(params.NotFoundResponse)
}
