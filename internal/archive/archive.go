package archive

import (
	"context"
	"time"

	"lobcore/internal/bus"
	"lobcore/internal/engine"
	"lobcore/internal/schema"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
)

const (
	defaultBatchSize     = 500
	defaultFlushInterval = time.Second
	defaultQueryLimit    = 10_000
	// defaultPendingBatches bounds the buffer at this many batches.
	defaultPendingBatches = 10
)

var (
	ErrNilDB        = errors.New("archive: nil db")
	ErrInvalidRange = errors.New("archive: invalid time range")
)

// Config controls batching of archive writes.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	// Sample keeps one snapshot in Sample per symbol; 0 and 1 keep all.
	Sample int
	// MaxPending bounds the records buffered while the database refuses
	// writes. The oldest records are dropped past it.
	MaxPending int
}

func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.MaxPending == 0 {
		c.MaxPending = c.BatchSize * defaultPendingBatches
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return errors.New("invalid archive config: BatchSize must be positive")
	}
	if c.FlushInterval <= 0 {
		return errors.New("invalid archive config: FlushInterval must be positive")
	}
	if c.Sample < 0 {
		return errors.New("invalid archive config: Sample must not be negative")
	}
	if c.MaxPending < c.BatchSize {
		return errors.New("invalid archive config: MaxPending must be >= BatchSize")
	}
	return nil
}

// Archive stores microstructure snapshots in a SQL database.
type Archive struct {
	cfg     Config
	db      *gorm.DB
	pending []Record
	counts  map[schema.Symbol]uint64
	dropped uint64
}

// New migrates the schema and returns an archive writing through db.
func New(db *gorm.DB, cfg Config) (*Archive, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, errors.Wrap(err, "migrate archive")
	}
	return &Archive{
		cfg:     cfg,
		db:      db,
		pending: make([]Record, 0, cfg.BatchSize),
		counts:  make(map[schema.Symbol]uint64),
	}, nil
}

// Add buffers one event and flushes when the batch is full. A failed flush
// keeps the records for the next one, up to MaxPending.
func (a *Archive) Add(ctx context.Context, ev engine.LobSnapshotEvent) error {
	if a.cfg.Sample > 1 {
		n := a.counts[ev.Analytics.Symbol]
		a.counts[ev.Analytics.Symbol] = n + 1
		if n%uint64(a.cfg.Sample) != 0 {
			return nil
		}
	}
	a.pending = append(a.pending, NewRecord(&ev.View, &ev.Analytics))
	if len(a.pending) < a.cfg.BatchSize {
		return nil
	}
	err := a.Flush(ctx)
	if over := len(a.pending) - a.cfg.MaxPending; over > 0 {
		n := copy(a.pending, a.pending[over:])
		a.pending = a.pending[:n]
		a.dropped += uint64(over)
		logs.Warnf("archive: dropped %d oldest records, %d pending, %d dropped in total", over, n, a.dropped)
	}
	return err
}

// Flush writes every buffered record.
func (a *Archive) Flush(ctx context.Context) error {
	if len(a.pending) == 0 {
		return nil
	}
	if err := a.db.WithContext(ctx).CreateInBatches(a.pending, a.cfg.BatchSize).Error; err != nil {
		return errors.Wrapf(err, "insert %d records", len(a.pending))
	}
	a.pending = a.pending[:0]
	return nil
}

// Pending returns the number of buffered records.
func (a *Archive) Pending() int {
	return len(a.pending)
}

// Dropped returns the number of records discarded because the buffer was full.
func (a *Archive) Dropped() uint64 {
	return a.dropped
}

// Run archives events from sub until ctx is done or the subscription closes,
// flushing on a timer. Buffered records are flushed before returning.
func (a *Archive) Run(ctx context.Context, sub *bus.Subscription[engine.LobSnapshotEvent]) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	defer func() {
		if err := a.Flush(context.Background()); err != nil {
			logs.Errorf("archive: final flush, err: %+v", err)
		}
	}()

	add := func(ev engine.LobSnapshotEvent) {
		if err := a.Add(ctx, ev); err != nil {
			logs.Errorf("archive: add, err: %+v", err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C():
			add(ev)
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				logs.Errorf("archive: flush, err: %+v", err)
			}
		case <-sub.Done():
			for {
				select {
				case ev := <-sub.C():
					add(ev)
				default:
					return
				}
			}
		}
	}
}

// Query returns the records of symbol with from <= ts <= to in time order.
// limit <= 0 applies the default limit.
func (a *Archive) Query(ctx context.Context, symbol schema.Symbol, from, to schema.Ts, limit int) ([]Record, error) {
	if from > to {
		return nil, errors.Wrapf(ErrInvalidRange, "from %d after to %d", from, to)
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	var records []Record
	err := a.db.WithContext(ctx).
		Where("symbol = ? AND ts >= ? AND ts <= ?", symbol.String(), int64(from), int64(to)).
		Order("ts ASC, seq ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "query archive")
	}
	return records, nil
}

// Prune deletes every record older than before and returns how many went.
func (a *Archive) Prune(ctx context.Context, before schema.Ts) (int64, error) {
	res := a.db.WithContext(ctx).Where("ts < ?", int64(before)).Delete(&Record{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "prune archive")
	}
	return res.RowsAffected, nil
}
