package wal

import "github.com/yanun0323/errors"

const (
	defaultSegmentMaxBytes int64 = 64 << 20
	defaultMaxPayloadSize        = 1 << 20
	defaultBufferSize            = 64 * 1024
	defaultFilePrefix            = "lob"
)

// Config controls the segment store.
type Config struct {
	Dir             string
	FilePrefix      string
	SegmentMaxBytes int64
	MaxPayloadSize  int
	BufferSize      int
	// DisableSync skips fsync on append. Records are still flushed to the OS.
	DisableSync bool
}

// DefaultConfig returns a baseline configuration for the store.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		FilePrefix:      defaultFilePrefix,
		SegmentMaxBytes: defaultSegmentMaxBytes,
		MaxPayloadSize:  defaultMaxPayloadSize,
		BufferSize:      defaultBufferSize,
	}
}

func (c Config) withDefaults() Config {
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = defaultMaxPayloadSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("invalid wal config: Dir is empty")
	}
	if c.FilePrefix == "" {
		return errors.New("invalid wal config: FilePrefix is empty")
	}
	if c.SegmentMaxBytes < int64(HeaderSize) {
		return errors.Errorf("invalid wal config: SegmentMaxBytes must be >= %d", HeaderSize)
	}
	if c.MaxPayloadSize <= 0 {
		return errors.New("invalid wal config: MaxPayloadSize must be > 0")
	}
	if c.BufferSize <= 0 {
		return errors.New("invalid wal config: BufferSize must be > 0")
	}
	return nil
}
