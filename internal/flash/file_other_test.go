//go:build !unix

package flash

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfs/flashfs/pkg/errors"
)

func TestOpenFileUnsupported(t *testing.T) {
	d, err := OpenFile(filepath.Join(t.TempDir(), "flash.img"), twoPartitions())
	require.Error(t, err)
	assert.Nil(t, d)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDriverError))
}
