package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"net"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

const (
	// DefaultConfigFile is the default path to the CoW engine config
	DefaultConfigFile = "/etc/coriolis-cow-engine/config.toml"

	// DefaultDBFile is the default location for the DB file.
	DefaultDBFile = "/etc/coriolis-cow-engine/cow-engine.db"

	// DefaultListenPort is the default HTTPS listen port
	DefaultListenPort = 8899
)

const (
	// DefaultTrackingBlockMinShift is the starting power-of-two for
	// the CBT tracking block size.
	DefaultTrackingBlockMinShift = 16
	// DefaultTrackingBlockMaxCount bounds the size of the CBT table.
	DefaultTrackingBlockMaxCount = 2097152
	// DefaultChunkMinShift is the starting power-of-two for the
	// chunk size of a difference area.
	DefaultChunkMinShift = 18
	// DefaultChunkMaxCount bounds the chunk descriptor array of a
	// difference area.
	DefaultChunkMaxCount = 2097152
	// DefaultChunkMaxInCache bounds how many chunks may hold a live
	// memory buffer at the same time.
	DefaultChunkMaxInCache = 64
	// DefaultBufferPoolSize bounds the reuse pool for released
	// chunk buffers.
	DefaultBufferPoolSize = 128
	// DefaultStorageFileSize is the size of each preallocated
	// difference storage file, in bytes.
	DefaultStorageFileSize = 1 << 30
	// DefaultStorageLowWatermark is the free-space threshold, in
	// sectors, below which more storage is allocated. 256 MiB.
	DefaultStorageLowWatermark = 1 << 19
)

// ParseConfig parses the file passed in as cfgFile and returns
// a *Config object.
func ParseConfig(cfgFile string) (*Config, error) {
	var config Config
	if _, err := toml.DecodeFile(cfgFile, &config); err != nil {
		return nil, errors.Wrap(err, "decoding toml")
	}

	if config.DBFile == "" {
		config.DBFile = DefaultDBFile
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return &config, nil
}

// Config is the coriolis-cow-engine config
type Config struct {
	// DBFile is the path on disk to the database location
	DBFile string `toml:"db_file"`

	// LogFile is the location of the log file
	LogFile string `toml:"log_file"`

	// CoWDestination is the path to a folder where difference
	// storage extents will be preallocated via files. This folder
	// must live on a separate disk, which will be excluded from
	// being snapshotted.
	CoWDestination string `toml:"cow_destination"`

	// TrackedDisks is the list of device paths that are added to
	// tracking when the engine starts.
	TrackedDisks []string `toml:"tracked_disks"`

	// APIServer is the api server configuration.
	APIServer APIServer `toml:"api"`

	// Engine holds the chunk and CBT tuning knobs.
	Engine Engine `toml:"engine"`
}

// Validate validates the config options
func (c *Config) Validate() error {
	if c.DBFile == "" {
		return fmt.Errorf("missing db_file")
	}

	if c.CoWDestination == "" {
		return fmt.Errorf("missing cow_destination")
	}

	if err := c.APIServer.Validate(); err != nil {
		return errors.Wrap(err, "validating api server section")
	}

	c.Engine.SetDefaults()
	if err := c.Engine.Validate(); err != nil {
		return errors.Wrap(err, "validating engine section")
	}

	return nil
}

// Engine holds the tuning parameters of the chunk engine and of
// change block tracking. The zero value of any field is replaced
// with its default.
type Engine struct {
	// TrackingBlockMinShift is the smallest tracking block size
	// the CBT map will consider, expressed as a power of two.
	TrackingBlockMinShift uint `toml:"tracking_block_min_shift"`
	// TrackingBlockMaxCount is the largest acceptable number of
	// tracking blocks for one device.
	TrackingBlockMaxCount uint64 `toml:"tracking_block_max_count"`
	// ChunkMinShift is the smallest chunk size a difference area
	// will consider, expressed as a power of two.
	ChunkMinShift uint `toml:"chunk_min_shift"`
	// ChunkMaxCount is the largest acceptable number of chunks
	// for one device.
	ChunkMaxCount uint64 `toml:"chunk_max_count"`
	// ChunkMaxInCache bounds the number of chunks simultaneously
	// holding a memory buffer.
	ChunkMaxInCache int `toml:"chunk_max_in_cache"`
	// BufferPoolSize bounds the reuse pool of released buffers.
	BufferPoolSize int `toml:"buffer_pool_size"`
	// StorageFileSize is the size in bytes of each preallocated
	// difference storage file.
	StorageFileSize uint64 `toml:"storage_file_size"`
	// StorageLowWatermark is the free-space threshold, in sectors,
	// below which a low-space event is emitted ahead of a hard
	// allocation failure.
	StorageLowWatermark uint64 `toml:"storage_low_watermark"`
	// SnapshotInMemory keeps preserved chunks purely in memory,
	// without difference storage. Intended for small devices and
	// for testing.
	SnapshotInMemory bool `toml:"snapshot_in_memory"`
}

// SetDefaults fills in zero-valued fields.
func (e *Engine) SetDefaults() {
	if e.TrackingBlockMinShift == 0 {
		e.TrackingBlockMinShift = DefaultTrackingBlockMinShift
	}
	if e.TrackingBlockMaxCount == 0 {
		e.TrackingBlockMaxCount = DefaultTrackingBlockMaxCount
	}
	if e.ChunkMinShift == 0 {
		e.ChunkMinShift = DefaultChunkMinShift
	}
	if e.ChunkMaxCount == 0 {
		e.ChunkMaxCount = DefaultChunkMaxCount
	}
	if e.ChunkMaxInCache == 0 {
		e.ChunkMaxInCache = DefaultChunkMaxInCache
	}
	if e.BufferPoolSize == 0 {
		e.BufferPoolSize = DefaultBufferPoolSize
	}
	if e.StorageFileSize == 0 {
		e.StorageFileSize = DefaultStorageFileSize
	}
	if e.StorageLowWatermark == 0 {
		e.StorageLowWatermark = DefaultStorageLowWatermark
	}
}

// Validate validates the engine config
func (e *Engine) Validate() error {
	// Tracking blocks and chunks must be at least one sector.
	if e.TrackingBlockMinShift < 9 || e.TrackingBlockMinShift > 30 {
		return fmt.Errorf("invalid tracking_block_min_shift %d", e.TrackingBlockMinShift)
	}
	if e.ChunkMinShift < 9 || e.ChunkMinShift > 30 {
		return fmt.Errorf("invalid chunk_min_shift %d", e.ChunkMinShift)
	}
	if e.ChunkMaxInCache < 1 {
		return fmt.Errorf("invalid chunk_max_in_cache %d", e.ChunkMaxInCache)
	}
	return nil
}

// APIServer holds configuration for the API server
// worker
type APIServer struct {
	Bind      string    `toml:"bind"`
	Port      int       `toml:"port"`
	TLSConfig TLSConfig `toml:"tls"`
}

// BindAddress returns a host:port string.
func (a *APIServer) BindAddress() string {
	return fmt.Sprintf("%s:%d", a.Bind, a.Port)
}

// Validate validates the API server config
func (a *APIServer) Validate() error {
	if a.Port > 65535 || a.Port < 1 {
		return fmt.Errorf("invalid port nr %q", a.Port)
	}

	ip := net.ParseIP(a.Bind)
	if ip == nil {
		// No need for deeper validation here, as any invalid
		// IP address specified in this setting will raise an error
		// when we try to bind to it.
		return fmt.Errorf("invalid IP address")
	}
	return nil
}

// TLSConfig is the API server TLS config
type TLSConfig struct {
	Cert   string `toml:"certificate"`
	Key    string `toml:"key"`
	CACert string `toml:"ca_certificate"`
}

// UseTLS returns true if a certificate pair was configured.
func (t *TLSConfig) UseTLS() bool {
	return t.Cert != "" && t.Key != ""
}

// TLSConfig returns a *tls.Config for the API server
func (t *TLSConfig) TLSConfig() (*tls.Config, error) {
	caCertPEM, err := ioutil.ReadFile(t.CACert)
	if err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()
	ok := roots.AppendCertsFromPEM(caCertPEM)
	if !ok {
		return nil, fmt.Errorf("failed to parse CA cert")
	}

	cert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    roots,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

// Dump dumps the config to a file
func (c *Config) Dump(destination string) error {
	fd, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE, 00700)
	if err != nil {
		return err
	}

	enc := toml.NewEncoder(fd)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return nil
}
