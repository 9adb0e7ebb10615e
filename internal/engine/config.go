package engine

import (
	"path/filepath"

	"lobcore/internal/analytics"
	"lobcore/internal/catalog"
	"lobcore/internal/lob"
	"lobcore/internal/snapshot"
	"lobcore/internal/wal"

	"github.com/yanun0323/errors"
)

const (
	defaultShards         = 4
	defaultShardInbox     = 4_096
	defaultAnalyticsQueue = 4_096
)

// Config wires every component of the engine.
type Config struct {
	WAL       wal.Config
	Catalog   catalog.Config
	Book      lob.Config
	Analytics analytics.Config
	Snapshot  snapshot.Config

	// Symbols restricts ingestion to these names, empty accepts any symbol.
	Symbols []string
	// DisableCatalog keeps snapshot locations out of pebble; replay then scans the WAL.
	DisableCatalog bool
	// DisableSnapshots stops Run from starting the snapshot scheduler.
	DisableSnapshots bool

	Shards         int
	ShardInbox     int
	AnalyticsQueue int
}

// DefaultConfig returns a baseline configuration writing under dir.
func DefaultConfig(dir string) Config {
	return Config{
		WAL:       wal.DefaultConfig(dir),
		Catalog:   catalog.Config{Dir: filepath.Join(dir, "catalog")},
		Book:      lob.DefaultConfig(),
		Analytics: analytics.DefaultConfig(),
		Snapshot:  snapshot.DefaultConfig(),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Book == (lob.Config{}) {
		c.Book = lob.DefaultConfig()
	}
	if c.Analytics == (analytics.Config{}) {
		c.Analytics = analytics.DefaultConfig()
	}
	if c.Shards == 0 {
		c.Shards = defaultShards
	}
	if c.ShardInbox == 0 {
		c.ShardInbox = defaultShardInbox
	}
	if c.AnalyticsQueue == 0 {
		c.AnalyticsQueue = defaultAnalyticsQueue
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.WAL.Dir == "" {
		return errors.New("invalid engine config: WAL.Dir is empty")
	}
	if c.Shards < 1 {
		return errors.New("invalid engine config: Shards must be >= 1")
	}
	if c.ShardInbox < 1 || c.AnalyticsQueue < 1 {
		return errors.New("invalid engine config: queue sizes must be >= 1")
	}
	if err := c.Book.Validate(); err != nil {
		return err
	}
	if err := c.Analytics.Validate(); err != nil {
		return err
	}
	if !c.DisableCatalog {
		return c.Catalog.Validate()
	}
	return nil
}
