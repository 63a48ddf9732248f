/*
Package adapter assembles a complete flash filesystem system from a
configuration and manages its lifecycle.

The Adapter owns every long-lived component:

	┌──────────────────────────────────────────────┐
	│        Record API / HTTP admin API           │
	└──────────────────────────────────────────────┘
	                      │
	┌──────────────────────────────────────────────┐
	│                 ADAPTER                      │ ← This Package
	│  • Device and instance construction          │
	│  • Lifecycle (Start / Stop)                  │
	│  • Observer wiring                           │
	└──────────────────────────────────────────────┘
	     │            │             │           │
	┌────┴─────┐ ┌────┴─────┐ ┌─────┴────┐ ┌────┴────┐
	│  Worker  │ │ Instance │ │  Archive │ │ Metrics │
	│  queues  │ │  table   │ │  (S3)    │ │ Health  │
	└──────────┘ └──────────┘ └──────────┘ └─────────┘
	                  │
	            ┌─────┴──────┐
	            │   Flash    │
	            │  devices   │
	            └────────────┘

# Devices

Memory instances share one emulated device with one partition per
instance. File instances are grouped by image path, so several partitions
may live in the same memory mapped image.

# Lifecycle

New validates the configuration and builds every component without
touching the flash. Start mounts each instance, formatting it once when
the first mount fails, then starts the worker loop, the periodic health
checks and the optional servers. An instance that cannot be mounted stays
not ready and its calls fail with NOT_READY; Start itself still succeeds.

Stop shuts down the admin API, completes every queued record request with
a zero byte count and closes the devices.

# Record API

WriteRecord and ReadRecord queue a whole-file transfer on the worker and
return a channel that receives exactly one Completion:

	done, err := a.WriteRecord(ctx, 0, "/cal.bin", data, true)
	if err != nil {
		return err // queue full or worker stopped
	}
	if c := <-done; c.Bytes == 0 {
		// the write failed
	}

Direct synchronous access is available through Table.
*/
package adapter
