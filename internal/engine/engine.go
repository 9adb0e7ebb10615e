package engine

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"lobcore/internal/analytics"
	"lobcore/internal/bus"
	"lobcore/internal/catalog"
	"lobcore/internal/codec"
	"lobcore/internal/lob"
	"lobcore/internal/obs"
	"lobcore/internal/replay"
	"lobcore/internal/schema"
	"lobcore/internal/snapshot"
	"lobcore/internal/wal"
	"lobcore/pkg/exception"

	"github.com/cespare/xxhash/v2"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

type symbolState struct {
	book   *lob.Book
	halted atomic.Bool
	buf    []byte
}

// Engine owns the store, the books and every worker around them.
//
// Ingest is the synchronous path and needs one goroutine per symbol. Run starts
// the sharded event loop that Submit feeds; do not mix both for one symbol.
type Engine struct {
	cfg       Config
	store     *wal.Store
	catalog   *catalog.Catalog
	registry  *schema.Registry
	metrics   *obs.Metrics
	scheduler *snapshot.Scheduler
	extractor *analytics.Extractor
	recovered replay.Recovered

	mu      sync.RWMutex
	symbols map[schema.Symbol]*symbolState

	shards  []*shard
	notices *bus.Queue[notice]
	books   *bus.Bus[LobSnapshotEvent]
	ticks   *bus.Bus[TickEvent]

	started atomic.Bool
	closed  atomic.Bool
}

// Open opens the store and catalog and recovers every book.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registry, err := schema.NewRegistryFromNames(cfg.Symbols)
	if err != nil {
		return nil, err
	}
	extractor, err := analytics.NewExtractor(cfg.Analytics)
	if err != nil {
		return nil, err
	}

	store, err := wal.Open(cfg.WAL)
	if err != nil {
		return nil, errors.Wrap(err, "open wal")
	}
	var cat *catalog.Catalog
	if !cfg.DisableCatalog {
		cat, err = catalog.Open(cfg.Catalog)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		catalog:   cat,
		registry:  registry,
		metrics:   obs.NewMetrics(),
		extractor: extractor,
		symbols:   make(map[schema.Symbol]*symbolState),
		notices:   bus.NewQueue[notice](cfg.AnalyticsQueue),
		books:     bus.NewBus[LobSnapshotEvent](),
		ticks:     bus.NewBus[TickEvent](),
	}

	e.scheduler, err = snapshot.NewScheduler(cfg.Snapshot, store, cat, e.metrics)
	if err != nil {
		e.closeStorage()
		return nil, err
	}

	e.recovered, err = replay.Recover(ctx, store, cat, cfg.Book)
	if err != nil {
		e.closeStorage()
		return nil, errors.Wrap(err, "recover books")
	}
	for sym, book := range e.recovered.Books {
		e.symbols[sym] = &symbolState{book: book}
	}

	e.shards = make([]*shard, cfg.Shards)
	for i := range e.shards {
		e.shards[i] = newShard(cfg.ShardInbox)
	}

	logs.Infof("engine: opened %s, %d books, last seq %d, %d shards", cfg.WAL.Dir, len(e.symbols), store.LastSeq(), cfg.Shards)
	return e, nil
}

// Ingest validates ev, makes it durable, then applies it to its book.
// A durability failure halts the symbol until Resume. Invalid events and book
// rejects are counted, logged and returned; the engine keeps going.
func (e *Engine) Ingest(ev schema.Event) error {
	if e.closed.Load() {
		return exception.ErrEngineClosed
	}
	recType, err := e.validate(&ev)
	if err != nil {
		e.metrics.IncInputError()
		logs.Warnf("engine: drop event %s seq %d, err: %+v", ev.Symbol, ev.Sequence, err)
		return err
	}
	st, err := e.state(ev.Symbol)
	if err != nil {
		e.metrics.IncInputError()
		return err
	}
	if st.halted.Load() {
		return errors.Wrapf(exception.ErrIngestHalted, "symbol %s", ev.Symbol)
	}

	u := ev.Update()
	st.buf = codec.EncodeUpdate(st.buf[:0], u)
	rec := wal.Record{Type: recType, Ts: ev.Timestamp, Payload: st.buf}

	start := time.Now()
	off, err := e.store.Append(&rec)
	if err != nil {
		if err == wal.ErrClosed {
			return exception.ErrEngineClosed
		}
		e.metrics.IncAppendError()
		if st.halted.CompareAndSwap(false, true) {
			e.metrics.IncHalt()
			logs.Errorf("engine: halt %s, wal append failed, err: %+v", ev.Symbol, err)
		}
		return errors.Wrapf(exception.ErrIngestHalted, "symbol %s: %+v", ev.Symbol, err)
	}
	e.metrics.ObserveAppend(rec.Type, time.Since(start))

	if _, err := e.store.RotateIfFull(); err != nil {
		logs.Errorf("engine: rotate wal, err: %+v", err)
	}

	end := off.Add(rec.Size())
	start = time.Now()
	if _, err := st.book.ApplyCommitted(u, ev.Timestamp, rec.Seq, end); err != nil {
		st.book.Commit(rec.Seq, end)
		if reason, ok := lob.ReasonOf(err); ok {
			e.metrics.IncReject(reason)
		}
		logs.Warnf("engine: reject %s %s seq %d, err: %+v", ev.Symbol, u.Kind, rec.Seq, err)
		return err
	}
	e.metrics.ObserveApply(time.Since(start))

	e.metrics.AddPublishDrops(e.ticks.Publish(TickEvent{Seq: rec.Seq, Ts: rec.Ts, Type: rec.Type, Update: u}))
	switch e.notices.TryPublish(notice{view: st.book.Snapshot(), update: u, ts: ev.Timestamp}) {
	case nil:
	case bus.ErrQueueFull:
		e.metrics.IncQueueDrop()
	default:
		e.metrics.IncQueueClosed()
	}
	return nil
}

func (e *Engine) validate(ev *schema.Event) (wal.RecordType, error) {
	if ev.Symbol.IsZero() {
		return 0, errors.Wrap(exception.ErrInvalidEvent, "empty symbol")
	}
	if !e.registry.Allows(ev.Symbol) {
		return 0, errors.Wrapf(exception.ErrUnknownSymbol, "symbol %s", ev.Symbol)
	}
	recType, ok := recordType(ev.Type)
	if !ok {
		return 0, errors.Wrapf(exception.ErrInvalidEvent, "event type %d", ev.Type)
	}
	switch {
	case !ev.Side.Valid():
		return 0, errors.Wrapf(exception.ErrInvalidEvent, "side %d", ev.Side)
	case !ev.Kind.Valid():
		return 0, errors.Wrapf(exception.ErrInvalidEvent, "kind %d", ev.Kind)
	case ev.Price <= 0:
		return 0, errors.Wrapf(exception.ErrInvalidEvent, "price %s", ev.Price)
	case ev.Quantity < 0 || ev.OrderQty < 0:
		return 0, errors.Wrapf(exception.ErrInvalidEvent, "quantity %s, order quantity %s", ev.Quantity, ev.OrderQty)
	}
	return recType, nil
}

func (e *Engine) state(sym schema.Symbol) (*symbolState, error) {
	e.mu.RLock()
	st, ok := e.symbols[sym]
	e.mu.RUnlock()
	if ok {
		return st, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.symbols[sym]; ok {
		return st, nil
	}
	book, err := lob.NewBook(sym, e.cfg.Book)
	if err != nil {
		return nil, err
	}
	st = &symbolState{book: book, buf: make([]byte, 0, codec.UpdatePayloadSize)}
	e.symbols[sym] = st
	return st, nil
}

// Submit routes ev to the shard owning its symbol. It blocks while the shard
// inbox is full and never drops. A halted symbol refuses events with
// exception.ErrIngestHalted until Resume, so the feed stops instead of skipping.
func (e *Engine) Submit(ctx context.Context, ev schema.Event) error {
	if e.closed.Load() {
		return exception.ErrEngineClosed
	}
	if ev.Symbol.IsZero() {
		e.metrics.IncInputError()
		return errors.Wrap(exception.ErrInvalidEvent, "empty symbol")
	}
	if e.Halted(ev.Symbol) {
		return errors.Wrapf(exception.ErrIngestHalted, "symbol %s", ev.Symbol)
	}
	if err := e.shardOf(ev.Symbol).inbox.Publish(ctx, ev); err != nil {
		if err == bus.ErrQueueClosed {
			return exception.ErrEngineClosed
		}
		return err
	}
	return nil
}

// Run processes submitted events, analytics and snapshots until ctx is done.
// Events already accepted by Submit are applied before Run returns. Run can be
// started once per engine.
func (e *Engine) Run(ctx context.Context) error {
	if e.closed.Load() {
		return exception.ErrEngineClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return exception.ErrEngineStarted
	}

	var wg, shards sync.WaitGroup
	for _, sh := range e.shards {
		shards.Add(1)
		go func() {
			defer shards.Done()
			e.runShard(ctx, sh)
		}()
	}
	shardsDone := make(chan struct{})
	go func() {
		shards.Wait()
		close(shardsDone)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runAnalytics(ctx, shardsDone)
	}()

	var schedErr error
	if !e.cfg.DisableSnapshots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			schedErr = e.scheduler.Run(ctx, e)
		}()
	}

	logs.Infof("engine: running %d shards", len(e.shards))
	wg.Wait()
	return schedErr
}

func (e *Engine) shardOf(symbol schema.Symbol) *shard {
	return e.shards[xxhash.Sum64(symbol[:])%uint64(len(e.shards))]
}

func (e *Engine) runShard(ctx context.Context, sh *shard) {
	for {
		select {
		case <-ctx.Done():
			sh.inbox.Close()
			e.drainShard(sh)
			return
		case <-sh.inbox.Done():
			e.drainShard(sh)
			return
		case <-sh.kick:
			e.retryPending(sh)
		case ev := <-sh.inbox.C():
			e.handle(sh, ev)
		}
	}
}

// handle ingests ev, parking it behind earlier events of a halted symbol.
func (e *Engine) handle(sh *shard, ev schema.Event) {
	if _, ok := sh.pending[ev.Symbol]; ok {
		e.retryPending(sh)
		if pending, ok := sh.pending[ev.Symbol]; ok {
			sh.pending[ev.Symbol] = append(pending, ev)
			return
		}
	}
	if err := e.Ingest(ev); err != nil && e.Halted(ev.Symbol) {
		sh.pending[ev.Symbol] = append(sh.pending[ev.Symbol], ev)
	}
}

// retryPending ingests the parked events of every symbol that was resumed.
func (e *Engine) retryPending(sh *shard) {
	for sym, events := range sh.pending {
		if e.Halted(sym) {
			continue
		}
		n := 0
		for n < len(events) {
			if err := e.Ingest(events[n]); err != nil && e.Halted(sym) {
				break
			}
			n++
		}
		if n == len(events) {
			delete(sh.pending, sym)
			logs.Infof("engine: replayed %d parked events of %s", n, sym)
			continue
		}
		sh.pending[sym] = events[n:]
	}
}

func (e *Engine) drainShard(sh *shard) {
	for {
		select {
		case ev := <-sh.inbox.C():
			e.handle(sh, ev)
		default:
			e.retryPending(sh)
			for sym, events := range sh.pending {
				logs.Errorf("engine: %d events of halted %s not ingested at shutdown", len(events), sym)
			}
			return
		}
	}
}

// runAnalytics computes analytics until ctx is done, then drains what the
// shards produced while stopping.
func (e *Engine) runAnalytics(ctx context.Context, shardsDone <-chan struct{}) {
	events := make([]schema.Update, 1)
	handle := func(n notice) {
		events[0] = n.update
		snap := e.extractor.OnUpdate(&n.view, events, n.ts)
		e.metrics.AddPublishDrops(e.books.Publish(LobSnapshotEvent{View: n.view, Analytics: snap}))
	}
	e.notices.Run(ctx, handle)
	<-shardsDone
	for {
		select {
		case n := <-e.notices.C():
			handle(n)
		default:
			return
		}
	}
}

// Resume clears the halt of symbol. In event-loop mode the events parked
// while it was halted are ingested first, in order.
func (e *Engine) Resume(symbol schema.Symbol) error {
	e.mu.RLock()
	st, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return errors.Wrapf(exception.ErrUnknownSymbol, "symbol %s", symbol)
	}
	if st.halted.CompareAndSwap(true, false) {
		logs.Infof("engine: resume %s", symbol)
		select {
		case e.shardOf(symbol).kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Halted reports whether symbol is halted by a durability failure.
func (e *Engine) Halted(symbol schema.Symbol) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.symbols[symbol]
	return ok && st.halted.Load()
}

// Books returns every book ordered by symbol. Callers may only read them.
func (e *Engine) Books() []*lob.Book {
	e.mu.RLock()
	books := make([]*lob.Book, 0, len(e.symbols))
	for _, st := range e.symbols {
		books = append(books, st.book)
	}
	e.mu.RUnlock()

	slices.SortFunc(books, func(a, b *lob.Book) int {
		sa, sb := a.Symbol(), b.Symbol()
		return bytes.Compare(sa[:], sb[:])
	})
	return books
}

// View returns the latest published view of symbol.
func (e *Engine) View(symbol schema.Symbol) (lob.View, bool) {
	e.mu.RLock()
	st, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return lob.View{}, false
	}
	return st.book.Snapshot(), true
}

// Subscribe returns a queue of book views with analytics. A full queue loses events.
func (e *Engine) Subscribe(capacity int) *bus.Subscription[LobSnapshotEvent] {
	return e.books.Subscribe(capacity)
}

// SubscribeTicks returns a queue of applied updates. A full queue loses events.
func (e *Engine) SubscribeTicks(capacity int) *bus.Subscription[TickEvent] {
	return e.ticks.Subscribe(capacity)
}

// Checkpoint snapshots every book that is not current and records a recovery checkpoint.
func (e *Engine) Checkpoint() error {
	if e.closed.Load() {
		return exception.ErrEngineClosed
	}
	return e.scheduler.Checkpoint(e)
}

// Reconstructor returns a reconstructor reading this engine's store and catalog.
func (e *Engine) Reconstructor(opts replay.Options) (*replay.Reconstructor, error) {
	if opts.Book == (lob.Config{}) {
		opts.Book = e.cfg.Book
	}
	return replay.NewReconstructor(e.store, e.catalog, opts)
}

// Recovered reports what Open rebuilt from the WAL.
func (e *Engine) Recovered() replay.Recovered {
	return e.recovered
}

// Metrics returns the engine counters.
func (e *Engine) Metrics() *obs.Metrics {
	return e.metrics
}

// Store returns the WAL store.
func (e *Engine) Store() *wal.Store {
	return e.store
}

// Close stops accepting events, writes a final checkpoint and closes storage.
// Call it after Run returned.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, sh := range e.shards {
		sh.inbox.Close()
	}
	e.notices.Close()
	e.books.Close()
	e.ticks.Close()

	var err error
	if !e.cfg.DisableSnapshots {
		if cpErr := e.scheduler.Checkpoint(e); cpErr != nil {
			logs.Errorf("engine: checkpoint on close, err: %+v", cpErr)
			err = cpErr
		}
	}
	if closeErr := e.closeStorage(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (e *Engine) closeStorage() error {
	err := e.store.Close()
	if e.catalog != nil {
		if catErr := e.catalog.Close(); catErr != nil && err == nil {
			err = catErr
		}
	}
	return err
}
