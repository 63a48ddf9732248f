/*
Package types provides the collaborator contracts and shared value types for FlashFS.

FlashFS sits between callers and a flash filesystem engine:

	┌─────────────────────────────────────────────┐
	│        Callers (sync ops, record API)       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│     Instance table + worker + suspend       │
	│  (internal/instance, worker, suspend)       │
	└─────────────────────────────────────────────┘
	          │                        │
	┌─────────┴─────────┐    ┌─────────┴─────────┐
	│  Engine / Volume  │───▶│  Driver (flash)   │
	└───────────────────┘    └───────────────────┘

# Driver

A Driver exposes block read, write and erase for the partitions of one
physical device, the partition geometry, and a device lock. Drivers that can
enter a low power state also implement Suspender. The device is expected to
resume on the next transaction without help from the caller.

# Engine and Volume

An Engine mounts or formats a partition through a BlockDevice, which is the
Driver bound to one partition. Mount returns a Volume whose methods operate
on engine local integer descriptors.

# Descriptors

Callers never handle raw engine descriptors. The instance layer hands out FD
values stamped with the mount generation they were issued under; an FD from
an earlier mount is rejected even when its raw number is valid again.

# Errors

Engines report failures with the sentinel errors defined here (ErrNotFound,
ErrFull, ErrCorrupt and so on), optionally wrapped. The instance layer maps
them into the structured errors of pkg/errors.
*/
package types
