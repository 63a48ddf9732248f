package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// RotationConfig holds configuration for log rotation
type RotationConfig struct {
	// Filename is the file to write logs to
	Filename string

	// MaxSize is the size in bytes that triggers a rotation, 0 never rotates
	MaxSize int64

	// MaxBackups is the number of rotated files kept, 0 keeps none
	MaxBackups int

	// Compress gzips rotated files
	Compress bool
}

// LogRotator is an io.Writer that rotates its file by size. Backups are
// numbered: name.1 is the newest, name.N the oldest.
type LogRotator struct {
	mu     sync.Mutex
	config RotationConfig
	file   *os.File
	size   int64
}

// NewLogRotator opens (or creates) the log file and returns its rotator
func NewLogRotator(config RotationConfig) (*LogRotator, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	lr := &LogRotator{config: config}
	if err := lr.open(); err != nil {
		return nil, err
	}
	return lr, nil
}

// Write implements io.Writer. A single write is never split over two files.
func (lr *LogRotator) Write(p []byte) (int, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return 0, os.ErrClosed
	}
	if lr.config.MaxSize > 0 && lr.size > 0 && lr.size+int64(len(p)) > lr.config.MaxSize {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}
	n, err := lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

// Close closes the current file
func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	err := lr.file.Close()
	lr.file = nil
	return err
}

// Rotate forces a rotation
func (lr *LogRotator) Rotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}

func (lr *LogRotator) open() error {
	if err := os.MkdirAll(filepath.Dir(lr.config.Filename), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	lr.file, lr.size = f, info.Size()
	return nil
}

// backup returns the name of backup i, 1 being the newest.
func (lr *LogRotator) backup(i int) string {
	name := lr.config.Filename + "." + strconv.Itoa(i)
	if lr.config.Compress {
		name += ".gz"
	}
	return name
}

func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return err
		}
		lr.file = nil
	}

	if lr.config.MaxBackups == 0 {
		if err := os.Remove(lr.config.Filename); err != nil && !os.IsNotExist(err) {
			return err
		}
		return lr.open()
	}

	// Shift name.i to name.i+1, dropping the oldest
	_ = os.Remove(lr.backup(lr.config.MaxBackups))
	for i := lr.config.MaxBackups - 1; i >= 1; i-- {
		if err := os.Rename(lr.backup(i), lr.backup(i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	if lr.config.Compress {
		if err := compressFile(lr.config.Filename, lr.backup(1)); err != nil {
			return err
		}
	} else if err := os.Rename(lr.config.Filename, lr.backup(1)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return lr.open()
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
