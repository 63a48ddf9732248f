// Package archive exports partition images to object storage and imports
// them back.
//
// An export snapshots the raw partition, compresses it and uploads it under
// <prefix>/fs<N>/<timestamp>-g<generation>.img. An import downloads an
// image, restores it onto the partition and remounts the instance.
package archive

import (
	"context"
	stderr "errors"
)

// ErrNotFound is returned by a Store when the key does not exist.
var ErrNotFound = stderr.New("object not found")

// Store is the object storage behind the archive.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}
