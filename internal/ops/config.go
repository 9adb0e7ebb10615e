package ops

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"lobcore/internal/analytics"
	"lobcore/internal/archive"
	"lobcore/internal/catalog"
	"lobcore/internal/engine"
	"lobcore/internal/lob"
	"lobcore/internal/publish"
	"lobcore/internal/schema"
	"lobcore/internal/snapshot"
	"lobcore/internal/wal"
	"lobcore/pkg/conn"

	"github.com/spf13/viper"
	"github.com/yanun0323/errors"
)

// EnvPrefix prefixes every environment override, e.g. LOBCORE_WAL_DISABLE_SYNC.
const EnvPrefix = "LOBCORE"

// Config mirrors the YAML config layout.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Symbols   []string        `mapstructure:"symbols"`
	WAL       WALConfig       `mapstructure:"wal"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Book      BookConfig      `mapstructure:"book"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

type WALConfig struct {
	SegmentMaxBytes int64 `mapstructure:"segment_max_bytes"`
	BufferSize      int   `mapstructure:"buffer_size"`
	DisableSync     bool  `mapstructure:"disable_sync"`
}

type CatalogConfig struct {
	Disable bool `mapstructure:"disable"`
	// Dir defaults to <data_dir>/catalog.
	Dir         string `mapstructure:"dir"`
	DisableSync bool   `mapstructure:"disable_sync"`
}

type BookConfig struct {
	Depth int `mapstructure:"depth"`
}

type EngineConfig struct {
	Shards         int `mapstructure:"shards"`
	ShardInbox     int `mapstructure:"shard_inbox"`
	AnalyticsQueue int `mapstructure:"analytics_queue"`
}

type SnapshotConfig struct {
	Disable            bool          `mapstructure:"disable"`
	EveryUpdates       uint64        `mapstructure:"every_updates"`
	Interval           time.Duration `mapstructure:"interval"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

// AnalyticsConfig holds quantities and prices as decimal strings.
type AnalyticsConfig struct {
	ImbalanceLevels   int           `mapstructure:"imbalance_levels"`
	VPINBucketVolume  string        `mapstructure:"vpin_bucket_volume"`
	VPINWindow        int           `mapstructure:"vpin_window"`
	LambdaWindow      int           `mapstructure:"lambda_window"`
	AmihudWindow      int           `mapstructure:"amihud_window"`
	SpoofMinOrderQty  string        `mapstructure:"spoof_min_order_qty"`
	SpoofWindow       time.Duration `mapstructure:"spoof_window"`
	SpoofMinOrders    int           `mapstructure:"spoof_min_orders"`
	SpoofCancelRatio  float64       `mapstructure:"spoof_cancel_ratio"`
	LayeringWindow    time.Duration `mapstructure:"layering_window"`
	LayeringMinLevels int           `mapstructure:"layering_min_levels"`
	MomentumWindow    time.Duration `mapstructure:"momentum_window"`
	MomentumMinTrades int           `mapstructure:"momentum_min_trades"`
	MomentumMinMove   string        `mapstructure:"momentum_min_move"`
	EventRingSize     int           `mapstructure:"event_ring_size"`
}

// MetricsConfig enables the prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

// ProfilingConfig enables continuous profiling when ServerAddress is set.
type ProfilingConfig struct {
	ServerAddress   string `mapstructure:"server_address"`
	ApplicationName string `mapstructure:"application_name"`
}

// KafkaConfig enables the kafka sink when Brokers is set.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	BookTopic    string        `mapstructure:"book_topic"`
	TickTopic    string        `mapstructure:"tick_topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Async        bool          `mapstructure:"async"`
	Queue        int           `mapstructure:"queue"`
}

// ArchiveConfig enables the analytics archive when Driver is set.
type ArchiveConfig struct {
	Driver string `mapstructure:"driver"`
	// DSN is a postgres connection string, Database a sqlite path.
	DSN           string        `mapstructure:"dsn"`
	Database      string        `mapstructure:"database"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Sample        int           `mapstructure:"sample"`
	MaxPending    int           `mapstructure:"max_pending"`
	Queue         int           `mapstructure:"queue"`
}

func setDefaults(v *viper.Viper) {
	a := analytics.DefaultConfig()
	s := snapshot.DefaultConfig()
	w := wal.DefaultConfig("")

	defaults := map[string]any{
		"data_dir": "data",
		"symbols":  []string{},

		"wal.segment_max_bytes": w.SegmentMaxBytes,
		"wal.buffer_size":       w.BufferSize,
		"wal.disable_sync":      false,

		"catalog.disable":      false,
		"catalog.dir":          "",
		"catalog.disable_sync": false,

		"book.depth": lob.DefaultDepth,

		"engine.shards":          4,
		"engine.shard_inbox":     4_096,
		"engine.analytics_queue": 4_096,

		"snapshot.disable":             false,
		"snapshot.every_updates":       s.EveryUpdates,
		"snapshot.interval":            s.Interval,
		"snapshot.poll_interval":       s.PollInterval,
		"snapshot.checkpoint_interval": s.CheckpointInterval,

		"analytics.imbalance_levels":    a.ImbalanceLevels,
		"analytics.vpin_bucket_volume":  a.VPINBucketVolume.String(),
		"analytics.vpin_window":         a.VPINWindow,
		"analytics.lambda_window":       a.LambdaWindow,
		"analytics.amihud_window":       a.AmihudWindow,
		"analytics.spoof_min_order_qty": a.SpoofMinOrderQty.String(),
		"analytics.spoof_window":        a.SpoofWindow,
		"analytics.spoof_min_orders":    a.SpoofMinOrders,
		"analytics.spoof_cancel_ratio":  a.SpoofCancelRatio,
		"analytics.layering_window":     a.LayeringWindow,
		"analytics.layering_min_levels": a.LayeringMinLevels,
		"analytics.momentum_window":     a.MomentumWindow,
		"analytics.momentum_min_trades": a.MomentumMinTrades,
		"analytics.momentum_min_move":   a.MomentumMinMove.String(),
		"analytics.event_ring_size":     a.EventRingSize,

		"metrics.addr": ":9100",
		"metrics.path": "/metrics",

		"profiling.server_address":   "",
		"profiling.application_name": "lobcore.lobd",

		"kafka.brokers":       []string{},
		"kafka.book_topic":    "lob.books",
		"kafka.tick_topic":    "lob.ticks",
		"kafka.batch_size":    100,
		"kafka.batch_timeout": 10 * time.Millisecond,
		"kafka.async":         false,
		"kafka.queue":         4_096,

		"archive.driver":         "",
		"archive.dsn":            "",
		"archive.database":       "",
		"archive.batch_size":     500,
		"archive.flush_interval": time.Second,
		"archive.sample":         1,
		"archive.max_pending":    5_000,
		"archive.queue":          4_096,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads the YAML file at path, when path is not empty, then applies
// LOBCORE_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, errors.Wrapf(err, "stat config %s", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("invalid config: data_dir is empty")
	}
	if c.Kafka.Queue < 1 || c.Archive.Queue < 1 {
		return errors.New("invalid config: subscriber queues must be >= 1")
	}
	if c.Archive.Driver != "" {
		if err := c.ArchiveConfig().Validate(); err != nil {
			return err
		}
	}
	if len(c.Kafka.Brokers) != 0 {
		if err := c.KafkaConfig().Validate(); err != nil {
			return err
		}
	}
	cfg, err := c.EngineConfig()
	if err != nil {
		return err
	}
	return cfg.Validate()
}

// EngineConfig resolves the engine configuration.
func (c Config) EngineConfig() (engine.Config, error) {
	ac, err := c.Analytics.resolve()
	if err != nil {
		return engine.Config{}, err
	}

	w := wal.DefaultConfig(c.DataDir)
	w.SegmentMaxBytes = c.WAL.SegmentMaxBytes
	w.BufferSize = c.WAL.BufferSize
	w.DisableSync = c.WAL.DisableSync

	book := lob.DefaultConfig()
	book.Depth = c.Book.Depth

	catalogDir := c.Catalog.Dir
	if catalogDir == "" {
		catalogDir = filepath.Join(c.DataDir, "catalog")
	}

	return engine.Config{
		WAL:     w,
		Catalog: catalog.Config{Dir: catalogDir, DisableSync: c.Catalog.DisableSync},
		Book:    book,
		Snapshot: snapshot.Config{
			EveryUpdates:       c.Snapshot.EveryUpdates,
			Interval:           c.Snapshot.Interval,
			PollInterval:       c.Snapshot.PollInterval,
			CheckpointInterval: c.Snapshot.CheckpointInterval,
		},
		Analytics:        ac,
		Symbols:          c.Symbols,
		DisableCatalog:   c.Catalog.Disable,
		DisableSnapshots: c.Snapshot.Disable,
		Shards:           c.Engine.Shards,
		ShardInbox:       c.Engine.ShardInbox,
		AnalyticsQueue:   c.Engine.AnalyticsQueue,
	}, nil
}

func (c AnalyticsConfig) resolve() (analytics.Config, error) {
	bucket, err := schema.ParseQty(c.VPINBucketVolume)
	if err != nil {
		return analytics.Config{}, errors.Wrap(err, "analytics.vpin_bucket_volume")
	}
	spoofQty, err := schema.ParseQty(c.SpoofMinOrderQty)
	if err != nil {
		return analytics.Config{}, errors.Wrap(err, "analytics.spoof_min_order_qty")
	}
	move, err := schema.ParsePx(c.MomentumMinMove)
	if err != nil {
		return analytics.Config{}, errors.Wrap(err, "analytics.momentum_min_move")
	}
	return analytics.Config{
		ImbalanceLevels:   c.ImbalanceLevels,
		VPINBucketVolume:  bucket,
		VPINWindow:        c.VPINWindow,
		LambdaWindow:      c.LambdaWindow,
		AmihudWindow:      c.AmihudWindow,
		SpoofMinOrderQty:  spoofQty,
		SpoofWindow:       c.SpoofWindow,
		SpoofMinOrders:    c.SpoofMinOrders,
		SpoofCancelRatio:  c.SpoofCancelRatio,
		LayeringWindow:    c.LayeringWindow,
		LayeringMinLevels: c.LayeringMinLevels,
		MomentumWindow:    c.MomentumWindow,
		MomentumMinTrades: c.MomentumMinTrades,
		MomentumMinMove:   move,
		EventRingSize:     c.EventRingSize,
	}, nil
}

// KafkaConfig resolves the kafka sink configuration.
func (c Config) KafkaConfig() publish.KafkaConfig {
	return publish.KafkaConfig{
		Brokers:      c.Kafka.Brokers,
		BookTopic:    c.Kafka.BookTopic,
		TickTopic:    c.Kafka.TickTopic,
		BatchSize:    c.Kafka.BatchSize,
		BatchTimeout: c.Kafka.BatchTimeout,
		Async:        c.Kafka.Async,
	}
}

// ArchiveConfig resolves the archive batching configuration.
func (c Config) ArchiveConfig() archive.Config {
	return archive.Config{
		BatchSize:     c.Archive.BatchSize,
		FlushInterval: c.Archive.FlushInterval,
		Sample:        c.Archive.Sample,
		MaxPending:    c.Archive.MaxPending,
	}
}

// ArchiveOption resolves the archive database connection.
func (c Config) ArchiveOption() conn.Option {
	return conn.Option{
		Driver:     conn.Driver(c.Archive.Driver),
		ConnString: c.Archive.DSN,
		Database:   c.Archive.Database,
	}
}
