//go:build !unix

package flash

import (
	"github.com/flashfs/flashfs/pkg/errors"
)

// OpenFile is not available on this platform; image files rely on mmap
// and flock.
func OpenFile(path string, opts Options) (*Device, error) {
	return nil, errors.NewError(errors.ErrCodeDriverError, "file backed devices are not supported on this platform").
		WithComponent("flash").WithContext("image", path)
}
