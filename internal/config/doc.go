/*
Package config provides configuration management for FlashFS.

Configuration is assembled from three sources, later sources overriding
earlier ones:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (FLASHFS_*)                       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

# Configuration Structure

	global:
	  log_level: INFO            # DEBUG, INFO, WARN, ERROR
	  log_file: ""
	  log_format: json           # json or console
	  log_max_size: 10MB         # rotate log_file, empty never rotates
	  log_max_backups: 3
	  log_compress: true

	instances:                   # ids are dense, in order, one partition each
	  - id: 0
	    partition: 0
	    driver: file             # memory or file
	    image_path: /var/lib/flashfs/part0.img
	    size: 256KB
	    erase_size: 4KB
	    page_size: 128B
	    block_size: 32KB
	    max_files: 32
	    write_throughput: 512KB  # per second, emulated

	access:
	  lock_timeout: 5s
	  ready_timeout: 5s

	worker:
	  read_queue_size: 4
	  write_queue_size: 4

	suspend:
	  enabled: true
	  idle_window: 100ms

	metrics:
	  enabled: true
	  port: 9090
	  path: /metrics

	archive:
	  enabled: true
	  backend: minio             # s3 or minio
	  bucket: flash-images
	  endpoint: localhost:9000
	  compression: zstd          # none, zstd or lz4
	  keep: 5                    # images kept per instance by prune
	  circuit:
	    failure_threshold: 5
	    timeout: 30s

	health:
	  error_threshold: 5
	  check_interval: 30s

	api:
	  enabled: true
	  address: localhost:8080

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/flashfs/config.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

Sizes are human readable strings ("4KB", "1M") and are parsed with
InstanceConfig.ParseGeometry.
*/
package config
