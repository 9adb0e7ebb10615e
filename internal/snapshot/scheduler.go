package snapshot

import (
	"context"
	"sync"
	"time"

	"lobcore/internal/catalog"
	"lobcore/internal/codec"
	"lobcore/internal/lob"
	"lobcore/internal/obs"
	"lobcore/internal/schema"
	"lobcore/internal/wal"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	defaultEveryUpdates       = 1_000
	defaultInterval           = time.Minute
	defaultPollInterval       = 100 * time.Millisecond
	defaultCheckpointInterval = 5 * time.Minute
)

var ErrNilStore = errors.New("snapshot: store is nil")

// Config controls when books are snapshotted.
type Config struct {
	// EveryUpdates triggers a snapshot after this many accepted updates.
	EveryUpdates uint64
	// Interval triggers a snapshot of a changed book after this much wall time.
	Interval time.Duration
	// PollInterval is how often Run looks at the books.
	PollInterval time.Duration
	// CheckpointInterval is how often Run snapshots every changed book and
	// records a recovery checkpoint.
	CheckpointInterval time.Duration
}

// DefaultConfig returns a baseline scheduler configuration.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.EveryUpdates == 0 {
		c.EveryUpdates = defaultEveryUpdates
	}
	if c.Interval == 0 {
		c.Interval = defaultInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = defaultCheckpointInterval
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Interval < 0 || c.PollInterval <= 0 || c.CheckpointInterval <= 0 {
		return errors.New("invalid snapshot config: intervals must be positive")
	}
	return nil
}

// Source enumerates the live books.
type Source interface {
	Books() []*lob.Book
}

type bookState struct {
	seq     uint64
	walSeq  uint64
	at      time.Time
	written bool
}

// Scheduler writes LobSnapshot records for books that changed enough.
// It only reads books through Book.Snapshot, so it never blocks their writers.
type Scheduler struct {
	cfg     Config
	store   *wal.Store
	catalog *catalog.Catalog
	metrics *obs.Metrics
	now     func() time.Time

	mu     sync.Mutex
	states map[schema.Symbol]*bookState
	buf    []byte
}

// NewScheduler creates a scheduler. cat and metrics may be nil.
func NewScheduler(cfg Config, store *wal.Store, cat *catalog.Catalog, metrics *obs.Metrics) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, ErrNilStore
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		catalog: cat,
		metrics: metrics,
		now:     time.Now,
		states:  make(map[schema.Symbol]*bookState),
		buf:     make([]byte, 0, codec.MaxBookSnapshotSize),
	}, nil
}

// MaybeSnapshot writes a snapshot of book when it changed since the last one and
// either EveryUpdates updates or Interval passed.
func (s *Scheduler) MaybeSnapshot(symbol schema.Symbol, book *lob.Book) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := book.Snapshot()
	now := s.now()
	st := s.state(symbol, now)
	if !changed(st, &view) {
		return false, nil
	}
	if view.Seq-st.seq < s.cfg.EveryUpdates && now.Sub(st.at) < s.cfg.Interval {
		return false, nil
	}
	if err := s.write(&view, st, now); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot writes a snapshot of book unless the last one is still current.
func (s *Scheduler) Snapshot(symbol schema.Symbol, book *lob.Book) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := book.Snapshot()
	now := s.now()
	st := s.state(symbol, now)
	if st.written && !changed(st, &view) {
		return false, nil
	}
	if err := s.write(&view, st, now); err != nil {
		return false, err
	}
	return true, nil
}

// Checkpoint snapshots every book that is not current and records the WAL end
// observed before the books were enumerated.
func (s *Scheduler) Checkpoint(src Source) error {
	end := s.store.End()
	for _, book := range src.Books() {
		if _, err := s.Snapshot(book.Symbol(), book); err != nil {
			return err
		}
	}
	if s.catalog == nil {
		return nil
	}
	cp := catalog.Checkpoint{Ts: schema.Ts(s.now().UnixNano()), End: end}
	if err := s.catalog.PutCheckpoint(cp); err != nil {
		return errors.Wrap(err, "put checkpoint")
	}
	return nil
}

// Run polls the books until ctx is done, then writes a final checkpoint.
func (s *Scheduler) Run(ctx context.Context, src Source) error {
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	checkpoint := time.NewTicker(s.cfg.CheckpointInterval)
	defer checkpoint.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Checkpoint(src); err != nil {
				logs.Errorf("snapshot: final checkpoint, err: %+v", err)
				return err
			}
			return nil
		case <-checkpoint.C:
			if err := s.Checkpoint(src); err != nil {
				logs.Errorf("snapshot: checkpoint, err: %+v", err)
			}
		case <-poll.C:
			for _, book := range src.Books() {
				if _, err := s.MaybeSnapshot(book.Symbol(), book); err != nil {
					logs.Errorf("snapshot: %s, err: %+v", book.Symbol(), err)
				}
			}
		}
	}
}

func (s *Scheduler) state(symbol schema.Symbol, now time.Time) *bookState {
	st, ok := s.states[symbol]
	if !ok {
		st = &bookState{at: now}
		s.states[symbol] = st
	}
	return st
}

func changed(st *bookState, view *lob.View) bool {
	return view.Seq != st.seq || view.WalSeq != st.walSeq
}

func (s *Scheduler) write(view *lob.View, st *bookState, now time.Time) error {
	s.buf = codec.EncodeBookSnapshot(s.buf[:0], view)
	rec := wal.Record{Type: wal.RecordLobSnapshot, Ts: view.LastTs, Payload: s.buf}
	start := time.Now()
	off, err := s.store.Append(&rec)
	if err != nil {
		return errors.Wrapf(err, "append snapshot of %s", view.Symbol)
	}
	s.metrics.ObserveAppend(rec.Type, time.Since(start))
	s.metrics.IncSnapshot()

	st.seq = view.Seq
	st.walSeq = view.WalSeq
	st.at = now
	st.written = true

	if s.catalog == nil {
		return nil
	}
	err = s.catalog.Put(catalog.Entry{
		Symbol: view.Symbol,
		Ts:     rec.Ts,
		Seq:    rec.Seq,
		Offset: off,
		WalSeq: view.WalSeq,
		Resume: view.Resume,
	})
	if err != nil {
		return errors.Wrapf(err, "catalog snapshot of %s seq %d", view.Symbol, rec.Seq)
	}
	return nil
}
