package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/flashfs/flashfs/internal/circuit"
	"github.com/flashfs/flashfs/pkg/retry"
	"github.com/flashfs/flashfs/pkg/utils"
)

// Driver kinds
const (
	DriverMemory = "memory"
	DriverFile   = "file"
)

// Archive backends
const (
	BackendS3    = "s3"
	BackendMinio = "minio"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global    GlobalConfig     `yaml:"global"`
	Instances []InstanceConfig `yaml:"instances"`
	Access    AccessConfig     `yaml:"access"`
	Worker    WorkerConfig     `yaml:"worker"`
	Suspend   SuspendConfig    `yaml:"suspend"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Health    HealthConfig     `yaml:"health"`
	Archive   ArchiveConfig    `yaml:"archive"`
	API       APIConfig        `yaml:"api"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"` // json or console

	// Rotation of log_file; an empty size disables it
	LogMaxSize    string `yaml:"log_max_size"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogCompress   bool   `yaml:"log_compress"`
}

// InstanceConfig describes one filesystem instance and the flash partition behind it
type InstanceConfig struct {
	ID        int    `yaml:"id"`
	Partition int    `yaml:"partition"`
	Driver    string `yaml:"driver"`
	ImagePath string `yaml:"image_path"`
	Size      string `yaml:"size"`
	EraseSize string `yaml:"erase_size"`
	PageSize  string `yaml:"page_size"`
	BlockSize string `yaml:"block_size"`
	MaxFiles  int    `yaml:"max_files"`

	// Emulated device throughput in bytes per second, 0 for unlimited
	ReadThroughput  string `yaml:"read_throughput"`
	WriteThroughput string `yaml:"write_throughput"`
}

// AccessConfig bounds the waits of the synchronous access layer
type AccessConfig struct {
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// WorkerConfig represents the record queue settings
type WorkerConfig struct {
	ReadQueueSize  int `yaml:"read_queue_size"`
	WriteQueueSize int `yaml:"write_queue_size"`
}

// SuspendConfig represents the idle suspend scheduler settings
type SuspendConfig struct {
	Enabled    bool          `yaml:"enabled"`
	IdleWindow time.Duration `yaml:"idle_window"`
}

// MetricsConfig represents metrics collection settings
type MetricsConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// HealthConfig represents health tracking thresholds
type HealthConfig struct {
	ErrorThreshold  int           `yaml:"error_threshold"`
	DegradedTimeout time.Duration `yaml:"degraded_timeout"`
	CheckInterval   time.Duration `yaml:"check_interval"`
}

// ArchiveConfig represents the partition image archive
type ArchiveConfig struct {
	Enabled     bool           `yaml:"enabled"`
	Backend     string         `yaml:"backend"`
	Bucket      string         `yaml:"bucket"`
	Prefix      string         `yaml:"prefix"`
	Endpoint    string         `yaml:"endpoint"`
	Region      string         `yaml:"region"`
	AccessKey   string         `yaml:"access_key"`
	SecretKey   string         `yaml:"secret_key"`
	UseSSL      bool           `yaml:"use_ssl"`
	Compression string         `yaml:"compression"` // none, zstd or lz4
	Keep        int            `yaml:"keep"`        // images kept per instance by prune, 0 keeps all
	Retry       retry.Config   `yaml:"retry"`
	Circuit     circuit.Config `yaml:"circuit"`
}

// APIConfig represents the HTTP admin API
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFile:   "",
			LogFormat: "json",

			LogMaxBackups: 3,
		},
		Instances: []InstanceConfig{
			{
				ID:        0,
				Partition: 0,
				Driver:    DriverMemory,
				Size:      "256KB",
				EraseSize: "4KB",
				PageSize:  "128B",
				BlockSize: "32KB",
				MaxFiles:  32,
			},
		},
		Access: AccessConfig{
			LockTimeout:  5 * time.Second,
			ReadyTimeout: 5 * time.Second,
		},
		Worker: WorkerConfig{
			ReadQueueSize:  4,
			WriteQueueSize: 4,
		},
		Suspend: SuspendConfig{
			Enabled:    true,
			IdleWindow: 100 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "flashfs",
			Labels: map[string]string{
				"service": "flashfs",
			},
		},
		Health: HealthConfig{
			ErrorThreshold:  5,
			DegradedTimeout: 30 * time.Second,
			CheckInterval:   30 * time.Second,
		},
		Archive: ArchiveConfig{
			Enabled:     false,
			Backend:     BackendS3,
			Prefix:      "images",
			Region:      "us-east-1",
			UseSSL:      true,
			Compression: "zstd",
			Retry:       retry.DefaultConfig(),
			Circuit: circuit.Config{
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		API: APIConfig{
			Enabled: false,
			Address: "localhost:8080",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("FLASHFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("FLASHFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("FLASHFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}

	// Access settings
	if val := os.Getenv("FLASHFS_LOCK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Access.LockTimeout = d
		}
	}
	if val := os.Getenv("FLASHFS_READY_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Access.ReadyTimeout = d
		}
	}

	// Worker settings
	if val := os.Getenv("FLASHFS_READ_QUEUE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Worker.ReadQueueSize = n
		}
	}
	if val := os.Getenv("FLASHFS_WRITE_QUEUE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Worker.WriteQueueSize = n
		}
	}

	// Suspend settings
	if val := os.Getenv("FLASHFS_SUSPEND_ENABLED"); val != "" {
		c.Suspend.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("FLASHFS_SUSPEND_IDLE_WINDOW"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Suspend.IdleWindow = d
		}
	}

	// Metrics settings
	if val := os.Getenv("FLASHFS_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("FLASHFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}

	// Archive settings
	if val := os.Getenv("FLASHFS_ARCHIVE_BACKEND"); val != "" {
		c.Archive.Backend = val
	}
	if val := os.Getenv("FLASHFS_ARCHIVE_BUCKET"); val != "" {
		c.Archive.Bucket = val
	}
	if val := os.Getenv("FLASHFS_ARCHIVE_ENDPOINT"); val != "" {
		c.Archive.Endpoint = val
	}
	if val := os.Getenv("FLASHFS_ARCHIVE_PREFIX"); val != "" {
		c.Archive.Prefix = val
	}
	if val := os.Getenv("FLASHFS_ARCHIVE_ACCESS_KEY"); val != "" {
		c.Archive.AccessKey = val
	}
	if val := os.Getenv("FLASHFS_ARCHIVE_SECRET_KEY"); val != "" {
		c.Archive.SecretKey = val
	}

	// API settings
	if val := os.Getenv("FLASHFS_API_ENABLED"); val != "" {
		c.API.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("FLASHFS_API_ADDRESS"); val != "" {
		c.API.Address = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if c.Global.LogFormat != "" && c.Global.LogFormat != "json" && c.Global.LogFormat != "console" {
		return fmt.Errorf("invalid log_format: %s (must be json or console)", c.Global.LogFormat)
	}
	if _, err := c.Global.ParseLogMaxSize(); err != nil {
		return err
	}
	if c.Global.LogMaxBackups < 0 {
		return fmt.Errorf("log_max_backups cannot be negative")
	}

	if len(c.Instances) == 0 {
		return fmt.Errorf("at least one instance must be configured")
	}
	seen := make(map[int]bool)
	for i, inst := range c.Instances {
		if inst.ID != i {
			return fmt.Errorf("instance %d: ids must be dense and ordered, got %d", i, inst.ID)
		}
		if seen[inst.Partition] {
			return fmt.Errorf("instance %d: partition %d already in use", inst.ID, inst.Partition)
		}
		seen[inst.Partition] = true
		if err := inst.validate(); err != nil {
			return fmt.Errorf("instance %d: %w", inst.ID, err)
		}
	}

	if c.Access.LockTimeout < 0 || c.Access.ReadyTimeout < 0 {
		return fmt.Errorf("access timeouts cannot be negative")
	}
	if c.Worker.ReadQueueSize <= 0 || c.Worker.WriteQueueSize <= 0 {
		return fmt.Errorf("queue sizes must be greater than 0")
	}
	if c.Suspend.Enabled && c.Suspend.IdleWindow <= 0 {
		return fmt.Errorf("suspend idle_window must be greater than 0")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case BackendS3, BackendMinio:
		default:
			return fmt.Errorf("invalid archive backend: %s (must be s3 or minio)", c.Archive.Backend)
		}
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive bucket is required")
		}
		if c.Archive.Backend == BackendMinio && c.Archive.Endpoint == "" {
			return fmt.Errorf("archive endpoint is required for minio")
		}
		switch c.Archive.Compression {
		case "", "none", "zstd", "lz4":
		default:
			return fmt.Errorf("invalid archive compression: %s", c.Archive.Compression)
		}
	}
	if c.Archive.Keep < 0 {
		return fmt.Errorf("archive keep cannot be negative")
	}
	if c.API.Enabled && c.API.Address == "" {
		return fmt.Errorf("api address is required")
	}

	return nil
}

// Geometry is the parsed form of the size strings of an InstanceConfig.
type Geometry struct {
	Size            uint32
	EraseSize       uint32
	PageSize        uint32
	BlockSize       uint32
	ReadThroughput  int64
	WriteThroughput int64
}

// ParseLogMaxSize returns the rotation size of the log file in bytes, 0
// when rotation is off.
func (g GlobalConfig) ParseLogMaxSize() (int64, error) {
	if g.LogMaxSize == "" {
		return 0, nil
	}
	n, err := utils.ParseBytes(g.LogMaxSize)
	if err != nil {
		return 0, fmt.Errorf("invalid log_max_size: %w", err)
	}
	return n, nil
}

// ParseGeometry parses the size strings of the instance.
func (ic InstanceConfig) ParseGeometry() (Geometry, error) {
	var g Geometry
	fields := []struct {
		name     string
		value    string
		required bool
		dst      *uint32
	}{
		{"size", ic.Size, true, &g.Size},
		{"erase_size", ic.EraseSize, true, &g.EraseSize},
		{"page_size", ic.PageSize, false, &g.PageSize},
		{"block_size", ic.BlockSize, false, &g.BlockSize},
	}
	for _, f := range fields {
		if f.value == "" {
			if f.required {
				return g, fmt.Errorf("%s is required", f.name)
			}
			continue
		}
		n, err := utils.ParseBytes(f.value)
		if err != nil {
			return g, fmt.Errorf("invalid %s: %w", f.name, err)
		}
		if n > int64(^uint32(0)) {
			return g, fmt.Errorf("%s %s exceeds 4GB", f.name, f.value)
		}
		*f.dst = uint32(n)
	}

	for _, f := range []struct {
		name  string
		value string
		dst   *int64
	}{
		{"read_throughput", ic.ReadThroughput, &g.ReadThroughput},
		{"write_throughput", ic.WriteThroughput, &g.WriteThroughput},
	} {
		if f.value == "" {
			continue
		}
		n, err := utils.ParseBytes(f.value)
		if err != nil {
			return g, fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = n
	}
	return g, nil
}

func (ic InstanceConfig) validate() error {
	switch ic.Driver {
	case DriverMemory:
	case DriverFile:
		if ic.ImagePath == "" {
			return fmt.Errorf("image_path is required for the file driver")
		}
	default:
		return fmt.Errorf("invalid driver: %s (must be memory or file)", ic.Driver)
	}
	if ic.MaxFiles < 0 {
		return fmt.Errorf("max_files cannot be negative")
	}

	g, err := ic.ParseGeometry()
	if err != nil {
		return err
	}
	if g.Size == 0 || g.EraseSize == 0 {
		return fmt.Errorf("size and erase_size must be greater than 0")
	}
	if g.Size%g.EraseSize != 0 {
		return fmt.Errorf("size %d is not a multiple of erase_size %d", g.Size, g.EraseSize)
	}
	return nil
}
