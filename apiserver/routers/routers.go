package routers

import (
	"io"
	"net/http"

	"coriolis-cow-engine/apiserver/controllers"

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// NewAPIRouter returns a new gorilla mux router.
func NewAPIRouter(han *controllers.APIController, logWriter io.Writer) *mux.Router {
	router := mux.NewRouter()
	log := gorillaHandlers.CombinedLoggingHandler

	apiSubRouter := router.PathPrefix("/api/v1").Subrouter()

	// Private API endpoints
	apiRouter := apiSubRouter.PathPrefix("").Subrouter()

	// list disks
	apiRouter.Handle("/disks", log(logWriter, http.HandlerFunc(han.ListDisksHandler))).Methods("GET")
	apiRouter.Handle("/disks/", log(logWriter, http.HandlerFunc(han.ListDisksHandler))).Methods("GET")

	// Add a disk to tracking.
	apiRouter.Handle("/disks", log(logWriter, http.HandlerFunc(han.AddTrackedDiskHandler))).Methods("POST")
	apiRouter.Handle("/disks/", log(logWriter, http.HandlerFunc(han.AddTrackedDiskHandler))).Methods("POST")

	// View one disk. Only disks added to tracking can be viewed here.
	apiRouter.Handle("/disks/{diskTrackingID}", log(logWriter, http.HandlerFunc(han.GetDiskHandler))).Methods("GET")
	apiRouter.Handle("/disks/{diskTrackingID}/", log(logWriter, http.HandlerFunc(han.GetDiskHandler))).Methods("GET")

	// CBT info for one tracked disk.
	apiRouter.Handle("/disks/{diskTrackingID}/cbt", log(logWriter, http.HandlerFunc(han.GetCBTInfoHandler))).Methods("GET")
	apiRouter.Handle("/disks/{diskTrackingID}/cbt/", log(logWriter, http.HandlerFunc(han.GetCBTInfoHandler))).Methods("GET")

	// Raw CBT bitmap window.
	apiRouter.Handle("/disks/{diskTrackingID}/cbt/bitmap", log(logWriter, http.HandlerFunc(han.GetCBTBitmapHandler))).Methods("GET")
	apiRouter.Handle("/disks/{diskTrackingID}/cbt/bitmap/", log(logWriter, http.HandlerFunc(han.GetCBTBitmapHandler))).Methods("GET")

	// Flag ranges of a tracked disk as dirty.
	apiRouter.Handle("/disks/{diskTrackingID}/cbt", log(logWriter, http.HandlerFunc(han.MarkDirtyBlocksHandler))).Methods("POST")
	apiRouter.Handle("/disks/{diskTrackingID}/cbt/", log(logWriter, http.HandlerFunc(han.MarkDirtyBlocksHandler))).Methods("POST")

	///////////////
	// Snapshots //
	///////////////
	// view or delete a single snapshot.
	apiRouter.Handle("/snapshots/{snapshotID}", log(logWriter, http.HandlerFunc(han.GetSnapshotHandler))).Methods("GET")
	apiRouter.Handle("/snapshots/{snapshotID}/", log(logWriter, http.HandlerFunc(han.GetSnapshotHandler))).Methods("GET")

	apiRouter.Handle("/snapshots/{snapshotID}", log(logWriter, http.HandlerFunc(han.DeleteSnapshotHandler))).Methods("DELETE")
	apiRouter.Handle("/snapshots/{snapshotID}/", log(logWriter, http.HandlerFunc(han.DeleteSnapshotHandler))).Methods("DELETE")

	// Create and view snapshots endpoint.
	apiRouter.Handle("/snapshots", log(logWriter, http.HandlerFunc(han.ListSnapshotsHandler))).Methods("GET")
	apiRouter.Handle("/snapshots/", log(logWriter, http.HandlerFunc(han.ListSnapshotsHandler))).Methods("GET")

	apiRouter.Handle("/snapshots", log(logWriter, http.HandlerFunc(han.CreateSnapshotHandler))).Methods("POST")
	apiRouter.Handle("/snapshots/", log(logWriter, http.HandlerFunc(han.CreateSnapshotHandler))).Methods("POST")

	apiRouter.Handle("/snapshots/{snapshotID}/changes/{trackedDiskID}", log(logWriter, http.HandlerFunc(han.GetChangedSectorsHandler))).Methods("GET")
	apiRouter.Handle("/snapshots/{snapshotID}/changes/{trackedDiskID}/", log(logWriter, http.HandlerFunc(han.GetChangedSectorsHandler))).Methods("GET")

	apiRouter.Handle("/snapshots/{snapshotID}/consume/{trackedDiskID}", log(logWriter, http.HandlerFunc(han.ConsumeSnapshotHandler))).Methods("GET", "HEAD")
	apiRouter.Handle("/snapshots/{snapshotID}/consume/{trackedDiskID}/", log(logWriter, http.HandlerFunc(han.ConsumeSnapshotHandler))).Methods("GET", "HEAD")

	apiRouter.Handle("/snapshots/{snapshotID}/storage/{trackedDiskID}", log(logWriter, http.HandlerFunc(han.AddSnapshotStorageHandler))).Methods("POST")
	apiRouter.Handle("/snapshots/{snapshotID}/storage/{trackedDiskID}/", log(logWriter, http.HandlerFunc(han.AddSnapshotStorageHandler))).Methods("POST")

	// Difference storage locations.
	apiRouter.Handle("/storagelocations", log(logWriter, http.HandlerFunc(han.ListStorageLocationsHandler))).Methods("GET")
	apiRouter.Handle("/storagelocations/", log(logWriter, http.HandlerFunc(han.ListStorageLocationsHandler))).Methods("GET")

	apiRouter.Handle("/storagelocations/{locationID}", log(logWriter, http.HandlerFunc(han.GetStorageLocationHandler))).Methods("GET")
	apiRouter.Handle("/storagelocations/{locationID}/", log(logWriter, http.HandlerFunc(han.GetStorageLocationHandler))).Methods("GET")

	// System information.
	apiRouter.Handle("/systeminfo", log(logWriter, http.HandlerFunc(han.SystemInfoHandler))).Methods("GET")
	apiRouter.Handle("/systeminfo/", log(logWriter, http.HandlerFunc(han.SystemInfoHandler))).Methods("GET")

	// Event long poll.
	apiRouter.Handle("/events", log(logWriter, http.HandlerFunc(han.WaitForEventHandler))).Methods("GET")
	apiRouter.Handle("/events/", log(logWriter, http.HandlerFunc(han.WaitForEventHandler))).Methods("GET")

	// Not found handler
	apiRouter.PathPrefix("/").Handler(log(logWriter, http.HandlerFunc(han.NotFoundHandler)))

	return router
}
