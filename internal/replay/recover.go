package replay

import (
	"context"

	"lobcore/internal/catalog"
	"lobcore/internal/codec"
	"lobcore/internal/lob"
	"lobcore/internal/schema"
	"lobcore/internal/wal"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Recovered holds the books rebuilt after a restart.
type Recovered struct {
	Books map[schema.Symbol]*lob.Book
	// Start is where the forward pass began.
	Start    wal.Offset
	Restored int
	Applied  int
	Rejected int
	LastSeq  uint64
	Stats    wal.ReadStats
}

// Recover rebuilds every book in the store: the latest catalog snapshot of each
// symbol is restored, then one forward pass applies the tail. Without a catalog
// or a checkpoint the whole log is replayed.
func Recover(ctx context.Context, store *wal.Store, cat *catalog.Catalog, cfg lob.Config) (Recovered, error) {
	if store == nil {
		return Recovered{}, ErrNilStore
	}
	out := Recovered{Books: make(map[schema.Symbol]*lob.Book)}

	start, err := restoreSnapshots(store, cat, cfg, &out)
	if err != nil {
		return Recovered{}, err
	}
	out.Start = start

	it := store.ReadFrom(start.Segment, start.Pos)
	defer it.Close()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			out.Stats = it.Stats()
			return out, err
		}
		rec := it.Record()
		if !rec.Type.IsUpdate() {
			continue
		}
		u, ok := codec.DecodeUpdate(rec.Payload)
		if !ok {
			logs.Warnf("replay: undecodable %s record seq %d at %d:%d", rec.Type, rec.Seq, it.Offset().Segment, it.Offset().Pos)
			out.Rejected++
			continue
		}
		book, ok := out.Books[u.Symbol]
		if !ok {
			book, err = lob.NewBook(u.Symbol, cfg)
			if err != nil {
				logs.Warnf("replay: skip record seq %d, err: %+v", rec.Seq, err)
				out.Rejected++
				continue
			}
			out.Books[u.Symbol] = book
		}
		if rec.Seq <= book.WalSeq() {
			continue
		}
		out.LastSeq = rec.Seq
		if _, err := book.ApplyCommitted(u, rec.Ts, rec.Seq, it.End()); err != nil {
			book.Commit(rec.Seq, it.End())
			out.Rejected++
			continue
		}
		out.Applied++
	}
	out.Stats = it.Stats()
	if err := it.Err(); err != nil {
		return out, errors.Wrap(err, "read wal")
	}

	logs.Infof("replay: recovered %d books from %d:%d, %d snapshots restored, %d applied, %d rejected",
		len(out.Books), start.Segment, start.Pos, out.Restored, out.Applied, out.Rejected)
	return out, nil
}

// restoreSnapshots installs the latest snapshot of every catalogued symbol and
// returns where the forward pass has to start.
func restoreSnapshots(store *wal.Store, cat *catalog.Catalog, cfg lob.Config, out *Recovered) (wal.Offset, error) {
	if cat == nil {
		return wal.Offset{}, nil
	}
	cp, hasCheckpoint, err := cat.Checkpoint()
	if err != nil {
		return wal.Offset{}, errors.Wrap(err, "load checkpoint")
	}
	entries, err := cat.LatestAll()
	if err != nil {
		return wal.Offset{}, errors.Wrap(err, "load snapshots")
	}

	start := cp.End
	for symbol, e := range entries {
		view, err := readSnapshot(store, e.Offset)
		if err == nil && view.Symbol != symbol {
			err = errors.Wrapf(ErrBadSnapshot, "symbol %s in entry of %s", view.Symbol, symbol)
		}
		if err != nil {
			logs.Warnf("replay: snapshot of %s at %d:%d unusable, replay from start, err: %+v", symbol, e.Offset.Segment, e.Offset.Pos, err)
			hasCheckpoint = false
			continue
		}
		book, err := lob.NewBook(symbol, cfg)
		if err != nil {
			return wal.Offset{}, err
		}
		if err := book.Restore(view); err != nil {
			logs.Warnf("replay: restore snapshot of %s, replay from start, err: %+v", symbol, err)
			hasCheckpoint = false
			continue
		}
		out.Books[symbol] = book
		out.Restored++
		if view.Resume.Less(start) {
			start = view.Resume
		}
	}
	if !hasCheckpoint {
		return wal.Offset{}, nil
	}
	return start, nil
}
