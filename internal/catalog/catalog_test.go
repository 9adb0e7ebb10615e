package catalog

import (
	"testing"

	"lobcore/internal/codec"
	"lobcore/internal/lob"
	"lobcore/internal/schema"
	"lobcore/internal/wal"

	"github.com/stretchr/testify/require"
)

func newMemCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLatest(t *testing.T) {
	c := newMemCatalog(t)
	aapl := schema.NewSymbol("AAPL")
	msft := schema.NewSymbol("MSFT")

	for i, ts := range []schema.Ts{100, 200, 300} {
		require.NoError(t, c.Put(Entry{
			Symbol: aapl,
			Ts:     ts,
			Seq:    uint64(10 * (i + 1)),
			Offset: wal.Offset{Segment: 1, Pos: int64(i * 100)},
			WalSeq: uint64(10*(i+1) - 1),
			Resume: wal.Offset{Segment: 1, Pos: int64(i*100 + 50)},
		}))
	}
	require.NoError(t, c.Put(Entry{Symbol: msft, Ts: 50, Seq: 5}))

	testCases := []struct {
		desc  string
		at    schema.Ts
		found bool
		seq   uint64
	}{
		{"before first", 99, false, 0},
		{"exact first", 100, true, 10},
		{"between", 250, true, 20},
		{"after last", 1_000, true, 30},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			e, ok, err := c.Latest(aapl, tc.at)
			require.NoError(t, err)
			require.Equal(t, tc.found, ok)
			if !ok {
				return
			}
			require.Equal(t, tc.seq, e.Seq)
			require.Equal(t, aapl, e.Symbol)
			require.Equal(t, e.Seq-1, e.WalSeq)
			require.Equal(t, e.Offset.Pos+50, e.Resume.Pos)
		})
	}

	_, ok, err := c.Latest(schema.NewSymbol("TSLA"), 1_000)
	require.NoError(t, err)
	require.False(t, ok)

	all, err := c.LatestAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, uint64(30), all[aapl].Seq)
	require.Equal(t, uint64(5), all[msft].Seq)

	require.ErrorIs(t, c.Put(Entry{}), ErrInvalidEntry)
}

func TestNegativeTimestampsSortFirst(t *testing.T) {
	c := newMemCatalog(t)
	sym := schema.NewSymbol("ES")
	require.NoError(t, c.Put(Entry{Symbol: sym, Ts: -5, Seq: 1}))
	require.NoError(t, c.Put(Entry{Symbol: sym, Ts: 5, Seq: 2}))

	e, ok, err := c.Latest(sym, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schema.Ts(-5), e.Ts)
}

func TestRebuild(t *testing.T) {
	store, err := wal.Open(wal.Config{Dir: t.TempDir(), DisableSync: true})
	require.NoError(t, err)
	defer store.Close()

	sym := schema.NewSymbol("AAPL")
	book, err := lob.NewBook(sym, lob.DefaultConfig())
	require.NoError(t, err)

	var buf []byte
	var offsets []wal.Offset
	for i := 1; i <= 30; i++ {
		u := schema.Update{
			Symbol:   sym,
			Side:     schema.SideBid,
			Kind:     schema.KindInsert,
			Price:    schema.Px(1_000_000 - i*100),
			Quantity: schema.MustQty("1"),
		}
		rec := wal.Record{Type: wal.RecordTick, Ts: schema.Ts(i), Payload: codec.EncodeUpdate(buf[:0], u)}
		off, err := store.Append(&rec)
		require.NoError(t, err)
		_, err = book.ApplyCommitted(u, rec.Ts, rec.Seq, off.Add(rec.Size()))
		require.NoError(t, err)

		if i%10 == 0 {
			view := book.Snapshot()
			snap := wal.Record{Type: wal.RecordLobSnapshot, Ts: view.LastTs, Payload: codec.EncodeBookSnapshot(nil, &view)}
			off, err := store.Append(&snap)
			require.NoError(t, err)
			offsets = append(offsets, off)
		}
	}

	c := newMemCatalog(t)
	require.NoError(t, c.Put(Entry{Symbol: schema.NewSymbol("STALE"), Ts: 1, Seq: 1}))

	n, err := c.Rebuild(store)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	var got []Entry
	require.NoError(t, c.Each(func(e Entry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 3)
	for i, e := range got {
		require.Equal(t, offsets[i], e.Offset)
		require.Equal(t, schema.Ts(10*(i+1)), e.Ts)
		require.Equal(t, e.Seq-1, e.WalSeq)

		rec, err := store.ReadAt(e.Offset)
		require.NoError(t, err)
		require.Equal(t, wal.RecordLobSnapshot, rec.Type)
		view, ok := codec.DecodeBookSnapshot(rec.Payload)
		require.True(t, ok)
		require.Equal(t, e.Resume, view.Resume)
		require.Equal(t, lob.DefaultDepth, view.BidLen)
	}
}

func TestCheckpoint(t *testing.T) {
	c := newMemCatalog(t)
	_, ok, err := c.Checkpoint()
	require.NoError(t, err)
	require.False(t, ok)

	cp := Checkpoint{Ts: 42, End: wal.Offset{Segment: 3, Pos: 890}}
	require.NoError(t, c.PutCheckpoint(cp))
	require.NoError(t, c.PutCheckpoint(Checkpoint{Ts: 43, End: wal.Offset{Segment: 3, Pos: 979}}))

	got, ok, err := c.Checkpoint()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schema.Ts(43), got.Ts)
	require.Equal(t, wal.Offset{Segment: 3, Pos: 979}, got.End)

	all, err := c.LatestAll()
	require.NoError(t, err)
	require.Empty(t, all)
}
