package replay

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"lobcore/internal/analytics"
	"lobcore/internal/catalog"
	"lobcore/internal/chaos"
	"lobcore/internal/codec"
	"lobcore/internal/lob"
	"lobcore/internal/schema"
	"lobcore/internal/wal"

	"github.com/stretchr/testify/require"
)

// feed writes updates the way the engine does: durable first, then applied.
type feed struct {
	t     *testing.T
	store *wal.Store
	cat   *catalog.Catalog
	books map[schema.Symbol]*lob.Book
	// views holds the live view of a symbol after each of its updates, by ts.
	views map[schema.Symbol]map[schema.Ts]lob.View
}

func newFeed(t *testing.T, dir string, cat *catalog.Catalog) *feed {
	t.Helper()
	store, err := wal.Open(wal.Config{Dir: dir, DisableSync: true, SegmentMaxBytes: 64 * 1024})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &feed{
		t:     t,
		store: store,
		cat:   cat,
		books: make(map[schema.Symbol]*lob.Book),
		views: make(map[schema.Symbol]map[schema.Ts]lob.View),
	}
}

func (f *feed) book(sym schema.Symbol) *lob.Book {
	book, ok := f.books[sym]
	if !ok {
		var err error
		book, err = lob.NewBook(sym, lob.DefaultConfig())
		require.NoError(f.t, err)
		f.books[sym] = book
		f.views[sym] = make(map[schema.Ts]lob.View)
	}
	return book
}

func (f *feed) apply(u schema.Update, ts schema.Ts) {
	book := f.book(u.Symbol)
	rec := wal.Record{Type: wal.RecordTick, Ts: ts, Payload: codec.EncodeUpdate(nil, u)}
	off, err := f.store.Append(&rec)
	require.NoError(f.t, err)
	end := off.Add(rec.Size())
	if _, err := book.ApplyCommitted(u, ts, rec.Seq, end); err != nil {
		book.Commit(rec.Seq, end)
	}
	f.views[u.Symbol][ts] = book.Snapshot()
}

func (f *feed) snapshot(sym schema.Symbol) {
	view := f.book(sym).Snapshot()
	rec := wal.Record{Type: wal.RecordLobSnapshot, Ts: view.LastTs, Payload: codec.EncodeBookSnapshot(nil, &view)}
	off, err := f.store.Append(&rec)
	require.NoError(f.t, err)
	if f.cat == nil {
		return
	}
	require.NoError(f.t, f.cat.Put(catalog.Entry{
		Symbol: sym,
		Ts:     rec.Ts,
		Seq:    rec.Seq,
		Offset: off,
		WalSeq: view.WalSeq,
		Resume: view.Resume,
	}))
}

// randomUpdates never crosses; a few updates carry an invalid price.
func randomUpdates(rng *rand.Rand, symbols []schema.Symbol, n int) []schema.Update {
	out := make([]schema.Update, 0, n)
	kinds := []schema.UpdateKind{schema.KindInsert, schema.KindModify, schema.KindDelete, schema.KindTrade}
	for i := 0; i < n; i++ {
		side := schema.Side(1 + rng.Intn(2))
		price := schema.Px(990_000 + rng.Intn(64)*100)
		if side == schema.SideAsk {
			price += 10_000
		}
		if rng.Intn(50) == 0 {
			price = 0
		}
		out = append(out, schema.Update{
			Symbol:   symbols[rng.Intn(len(symbols))],
			Side:     side,
			Kind:     kinds[rng.Intn(len(kinds))],
			Price:    price,
			Quantity: schema.Qty(rng.Intn(20) * 10_000),
			OrderQty: schema.Qty(1 + rng.Intn(5)*10_000),
		})
	}
	return out
}

func newCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(catalog.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

func TestReconstructFromSnapshot(t *testing.T) {
	sym := schema.NewSymbol("AAPL")
	updates := randomUpdates(rand.New(rand.NewSource(1)), []schema.Symbol{sym}, 700)

	testCases := []struct {
		desc    string
		catalog bool
	}{
		{"catalog lookup", true},
		{"wal scan", false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			var cat *catalog.Catalog
			if tc.catalog {
				cat = newCatalog(t)
			}
			f := newFeed(t, t.TempDir(), cat)
			for i, u := range updates[:500] {
				f.apply(u, schema.Ts(i+1))
			}
			f.snapshot(sym)
			for i, u := range updates[500:] {
				f.apply(u, schema.Ts(501+i))
			}

			r, err := NewReconstructor(f.store, cat, Options{})
			require.NoError(t, err)
			res, err := r.Reconstruct(context.Background(), sym, 700, 700)
			require.NoError(t, err)
			require.True(t, res.FromSnapshot)
			require.Equal(t, 200, res.Applied+res.Rejected)
			require.Equal(t, f.books[sym].Snapshot(), res.Book)
			require.Equal(t, f.store.LastSeq(), res.LastSeq)
			require.False(t, res.Stats.Corrupted)
		})
	}
}

func TestReconstructWindow(t *testing.T) {
	syms := []schema.Symbol{schema.NewSymbol("AAPL"), schema.NewSymbol("MSFT")}
	cat := newCatalog(t)
	f := newFeed(t, t.TempDir(), cat)
	for i, u := range randomUpdates(rand.New(rand.NewSource(2)), syms, 3_000) {
		ts := schema.Ts(i + 1)
		f.apply(u, ts)
		if ts%700 == 0 {
			f.snapshot(syms[0])
			f.snapshot(syms[1])
		}
	}

	r, err := NewReconstructor(f.store, cat, Options{})
	require.NoError(t, err)

	for _, sym := range syms {
		for ts, want := range f.views[sym] {
			if ts%97 != 0 {
				continue
			}
			res, err := r.Reconstruct(context.Background(), sym, ts, ts)
			require.NoError(t, err)
			// a snapshot may already carry the commit position of later rejects,
			// so only the book state is compared.
			require.Equal(t, want.BidLevels(), res.Book.BidLevels(), "%s at %d", sym, ts)
			require.Equal(t, want.AskLevels(), res.Book.AskLevels(), "%s at %d", sym, ts)
			require.Equal(t, want.Seq, res.Book.Seq, "%s at %d", sym, ts)
			require.Equal(t, want.LastTs, res.Book.LastTs, "%s at %d", sym, ts)
		}
	}

	_, err = r.Reconstruct(context.Background(), syms[0], 10, 9)
	require.ErrorIs(t, err, ErrInvalidWindow)
}

func TestReconstructAnalyticsDeterministic(t *testing.T) {
	sym := schema.NewSymbol("ES")
	f := newFeed(t, t.TempDir(), nil)
	updates := randomUpdates(rand.New(rand.NewSource(3)), []schema.Symbol{sym}, 1_000)
	for i, u := range updates {
		f.apply(u, schema.Ts(i+1))
	}

	cfg := analytics.DefaultConfig()
	r, err := NewReconstructor(f.store, nil, Options{Analytics: &cfg})
	require.NoError(t, err)

	first, err := r.Reconstruct(context.Background(), sym, 200, 800)
	require.NoError(t, err)
	second, err := r.Reconstruct(context.Background(), sym, 200, 800)
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.False(t, first.FromSnapshot)
	require.Len(t, first.Snapshots, countApplied(updates[199:800]))
	require.GreaterOrEqual(t, first.Snapshots[0].Ts, schema.Ts(200))
	require.Equal(t, f.views[sym][800], first.Book)
}

func countApplied(updates []schema.Update) int {
	n := 0
	for _, u := range updates {
		if u.Price > 0 {
			n++
		}
	}
	return n
}

func TestReconstructCancelAndLimit(t *testing.T) {
	sym := schema.NewSymbol("NQ")
	f := newFeed(t, t.TempDir(), nil)
	for i, u := range randomUpdates(rand.New(rand.NewSource(4)), []schema.Symbol{sym}, 300) {
		f.apply(u, schema.Ts(i+1))
	}
	r, err := NewReconstructor(f.store, nil, Options{MaxRecords: 100})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := r.Reconstruct(ctx, sym, 1, 300)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, res.Applied)
	require.Equal(t, 0, res.Book.BidLen+res.Book.AskLen)

	res, err = r.Reconstruct(context.Background(), sym, 1, 300)
	require.ErrorIs(t, err, ErrRecordLimit)
	require.Equal(t, 100, res.Applied+res.Rejected)
	require.Equal(t, f.views[sym][100], res.Book)
}

func TestReconstructAfterCrash(t *testing.T) {
	dir := t.TempDir()
	sym := schema.NewSymbol("AAPL")
	f := newFeed(t, dir, nil)
	for i, u := range randomUpdates(rand.New(rand.NewSource(5)), []schema.Symbol{sym}, 50) {
		f.apply(u, schema.Ts(i+1))
	}
	require.NoError(t, f.store.Close())

	segs, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.NoError(t, chaos.TruncateTail(segs[0], 30))

	store, err := wal.Open(wal.Config{Dir: dir, DisableSync: true})
	require.NoError(t, err)
	defer store.Close()
	require.Equal(t, uint64(49), store.LastSeq())
	require.Equal(t, int64(wal.RecordSize(codec.UpdatePayloadSize)-30), store.Recovery().DiscardedBytes)

	r, err := NewReconstructor(store, nil, Options{})
	require.NoError(t, err)
	res, err := r.Reconstruct(context.Background(), sym, 100, 100)
	require.NoError(t, err)
	require.Equal(t, f.views[sym][49], res.Book)
}

func TestReconstructStopsAtCorruption(t *testing.T) {
	dir := t.TempDir()
	sym := schema.NewSymbol("AAPL")
	f := newFeed(t, dir, nil)
	for i, u := range randomUpdates(rand.New(rand.NewSource(6)), []schema.Symbol{sym}, 20) {
		f.apply(u, schema.Ts(i+1))
	}
	require.NoError(t, f.store.Sync())

	// damage the payload of record 11
	size := wal.RecordSize(codec.UpdatePayloadSize)
	segs, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	require.NoError(t, chaos.FlipByte(segs[0], 10*size+wal.HeaderSize+3))

	r, err := NewReconstructor(f.store, nil, Options{})
	require.NoError(t, err)
	res, err := r.Reconstruct(context.Background(), sym, 20, 20)
	require.NoError(t, err)
	require.True(t, res.Stats.Corrupted)
	require.ErrorIs(t, res.Stats.Reason, wal.ErrChecksumMismatch)
	require.Equal(t, 10*size, res.Stats.Stop.Pos)
	require.Equal(t, 10*size, res.Stats.DiscardedBytes)
	require.Equal(t, f.views[sym][10], res.Book)
}

func TestRecover(t *testing.T) {
	syms := []schema.Symbol{schema.NewSymbol("AAPL"), schema.NewSymbol("MSFT"), schema.NewSymbol("ES")}
	updates := randomUpdates(rand.New(rand.NewSource(8)), syms, 2_000)

	testCases := []struct {
		desc       string
		catalog    bool
		checkpoint bool
		restored   int
	}{
		{"full replay", false, false, 0},
		{"snapshots without checkpoint", true, false, 3},
		{"checkpoint", true, true, 3},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			var cat *catalog.Catalog
			if tc.catalog {
				cat = newCatalog(t)
			}
			f := newFeed(t, t.TempDir(), cat)
			for i, u := range updates[:1_500] {
				f.apply(u, schema.Ts(i+1))
			}
			end := f.store.End()
			for _, sym := range syms {
				f.snapshot(sym)
			}
			if tc.checkpoint {
				require.NoError(t, cat.PutCheckpoint(catalog.Checkpoint{Ts: 1_500, End: end}))
			}
			for i, u := range updates[1_500:] {
				f.apply(u, schema.Ts(1_501+i))
			}

			rec, err := Recover(context.Background(), f.store, cat, lob.DefaultConfig())
			require.NoError(t, err)
			require.Equal(t, tc.restored, rec.Restored)
			require.Len(t, rec.Books, len(syms))
			if tc.checkpoint {
				require.NotEqual(t, wal.Offset{}, rec.Start)
			} else {
				require.Equal(t, wal.Offset{}, rec.Start)
			}
			for _, sym := range syms {
				require.Equal(t, f.books[sym].Snapshot(), rec.Books[sym].Snapshot(), sym.String())
			}
		})
	}
}
