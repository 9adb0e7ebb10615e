package replay

import (
	"context"

	"lobcore/internal/analytics"
	"lobcore/internal/catalog"
	"lobcore/internal/codec"
	"lobcore/internal/lob"
	"lobcore/internal/schema"
	"lobcore/internal/wal"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var (
	ErrInvalidWindow = errors.New("replay: end is before start")
	ErrRecordLimit   = errors.New("replay: record limit reached")
	ErrBadSnapshot   = errors.New("replay: snapshot record does not decode")
	ErrNilStore      = errors.New("replay: store is nil")
)

// Options controls reconstruction.
type Options struct {
	Book lob.Config
	// MaxRecords bounds the WAL records read per call, 0 means no bound.
	MaxRecords int
	// Analytics enables the microstructure series for updates inside the window.
	Analytics *analytics.Config
}

// Result is the book state at the end of the window and what it took to get there.
type Result struct {
	Book      lob.View
	Snapshots []analytics.Snapshot
	Applied   int
	Rejected  int
	// LastSeq is the WAL sequence of the last record of the symbol folded in.
	LastSeq uint64
	Stats   wal.ReadStats
	// FromSnapshot is set when the replay started from a LobSnapshot record.
	FromSnapshot bool
	SnapshotSeq  uint64
}

// Reconstructor rebuilds books from the WAL. It only reads the store.
type Reconstructor struct {
	store   *wal.Store
	catalog *catalog.Catalog
	opts    Options
}

// NewReconstructor creates a reconstructor. cat may be nil, snapshots are then
// located by scanning the WAL.
func NewReconstructor(store *wal.Store, cat *catalog.Catalog, opts Options) (*Reconstructor, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if opts.Book == (lob.Config{}) {
		opts.Book = lob.DefaultConfig()
	}
	if err := opts.Book.Validate(); err != nil {
		return nil, err
	}
	if opts.Analytics != nil {
		if err := opts.Analytics.Validate(); err != nil {
			return nil, err
		}
	}
	return &Reconstructor{store: store, catalog: cat, opts: opts}, nil
}

// Reconstruct returns the book of symbol as of end, starting from the latest
// snapshot at or before start. Cancellation is checked between records; a
// cancelled call returns the state of the last fully applied record with ctx.Err().
func (r *Reconstructor) Reconstruct(ctx context.Context, symbol schema.Symbol, start, end schema.Ts) (Result, error) {
	if end < start {
		return Result{}, errors.Wrapf(ErrInvalidWindow, "start %d, end %d", start, end)
	}
	book, err := lob.NewBook(symbol, r.opts.Book)
	if err != nil {
		return Result{}, err
	}

	var res Result
	var from wal.Offset
	var skip uint64

	snap, snapSeq, ok, err := r.findSnapshot(ctx, symbol, start)
	if err != nil {
		return Result{}, err
	}
	if ok {
		if err := book.Restore(snap); err != nil {
			return Result{}, errors.Wrapf(ErrBadSnapshot, "restore snapshot seq %d: %+v", snapSeq, err)
		}
		from = snap.Resume
		skip = snap.WalSeq
		res.FromSnapshot = true
		res.SnapshotSeq = snapSeq
		res.LastSeq = snap.WalSeq
	}

	var extractor *analytics.Extractor
	if r.opts.Analytics != nil {
		extractor, err = analytics.NewExtractor(*r.opts.Analytics)
		if err != nil {
			return Result{}, err
		}
	}

	it := r.store.ReadFrom(from.Segment, from.Pos)
	defer it.Close()

	events := make([]schema.Update, 1)
	read := 0
	for {
		if err := ctx.Err(); err != nil {
			return r.finish(res, book, it), err
		}
		if r.opts.MaxRecords > 0 && read >= r.opts.MaxRecords {
			return r.finish(res, book, it), errors.Wrapf(ErrRecordLimit, "%d records", read)
		}
		if !it.Next() {
			break
		}
		read++

		rec := it.Record()
		if !rec.Type.IsUpdate() || rec.Seq <= skip {
			continue
		}
		if sym, ok := codec.PeekSymbol(rec.Payload); !ok || sym != symbol {
			continue
		}
		if rec.Ts > end {
			break
		}

		res.LastSeq = rec.Seq
		u, ok := codec.DecodeUpdate(rec.Payload)
		if !ok {
			logs.Warnf("replay: undecodable %s record seq %d", rec.Type, rec.Seq)
			book.Commit(rec.Seq, it.End())
			res.Rejected++
			continue
		}
		if _, err := book.ApplyCommitted(u, rec.Ts, rec.Seq, it.End()); err != nil {
			book.Commit(rec.Seq, it.End())
			res.Rejected++
			continue
		}
		res.Applied++

		if extractor != nil && rec.Ts >= start {
			view := book.Snapshot()
			events[0] = u
			res.Snapshots = append(res.Snapshots, extractor.OnUpdate(&view, events, rec.Ts))
		}
	}
	if err := it.Err(); err != nil {
		return r.finish(res, book, it), errors.Wrap(err, "read wal")
	}
	return r.finish(res, book, it), nil
}

func (r *Reconstructor) finish(res Result, book *lob.Book, it *wal.Iterator) Result {
	res.Book = book.Snapshot()
	res.Stats = it.Stats()
	if res.Stats.Corrupted {
		logs.Warnf("replay: wal ends on a bad record at %d:%d, %d bytes discarded, reason: %+v",
			res.Stats.Stop.Segment, res.Stats.Stop.Pos, res.Stats.DiscardedBytes, res.Stats.Reason)
	}
	return res
}

// findSnapshot returns the newest snapshot view of symbol with ts <= at and the
// WAL sequence of its record.
func (r *Reconstructor) findSnapshot(ctx context.Context, symbol schema.Symbol, at schema.Ts) (lob.View, uint64, bool, error) {
	if r.catalog != nil {
		e, ok, err := r.catalog.Latest(symbol, at)
		if err != nil {
			return lob.View{}, 0, false, errors.Wrap(err, "catalog lookup")
		}
		if !ok {
			return lob.View{}, 0, false, nil
		}
		view, err := readSnapshot(r.store, e.Offset)
		if err == nil && view.Symbol == symbol {
			return view, e.Seq, true, nil
		}
		logs.Warnf("replay: catalog entry seq %d of %s unusable, scan wal, err: %+v", e.Seq, symbol, err)
	}
	return scanSnapshot(ctx, r.store, symbol, at)
}

func scanSnapshot(ctx context.Context, store *wal.Store, symbol schema.Symbol, at schema.Ts) (lob.View, uint64, bool, error) {
	it := store.ReadFrom(0, 0)
	defer it.Close()

	var (
		best  lob.View
		seq   uint64
		found bool
	)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return lob.View{}, 0, false, err
		}
		rec := it.Record()
		if rec.Type != wal.RecordLobSnapshot || rec.Ts > at {
			continue
		}
		if sym, ok := codec.PeekSymbol(rec.Payload); !ok || sym != symbol {
			continue
		}
		view, ok := codec.DecodeBookSnapshot(rec.Payload)
		if !ok {
			logs.Warnf("replay: skip undecodable snapshot seq %d", rec.Seq)
			continue
		}
		best, seq, found = view, rec.Seq, true
	}
	if err := it.Err(); err != nil {
		return lob.View{}, 0, false, errors.Wrap(err, "scan snapshots")
	}
	return best, seq, found, nil
}

func readSnapshot(store *wal.Store, off wal.Offset) (lob.View, error) {
	rec, err := store.ReadAt(off)
	if err != nil {
		return lob.View{}, err
	}
	if rec.Type != wal.RecordLobSnapshot {
		return lob.View{}, errors.Wrapf(ErrBadSnapshot, "record at %d:%d is %s", off.Segment, off.Pos, rec.Type)
	}
	view, ok := codec.DecodeBookSnapshot(rec.Payload)
	if !ok {
		return lob.View{}, errors.Wrapf(ErrBadSnapshot, "record at %d:%d", off.Segment, off.Pos)
	}
	return view, nil
}
