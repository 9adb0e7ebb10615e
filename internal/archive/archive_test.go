package archive

import (
	"context"
	"testing"
	"time"

	"lobcore/internal/analytics"
	"lobcore/internal/bus"
	"lobcore/internal/engine"
	"lobcore/internal/lob"
	"lobcore/internal/schema"
	"lobcore/pkg/conn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T, cfg Config) *Archive {
	t.Helper()
	client, err := conn.New(conn.Option{Driver: conn.DriverSQLite, Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	a, err := New(client.DB(), cfg)
	require.NoError(t, err)
	return a
}

func event(symbol string, ts schema.Ts, seq uint64) engine.LobSnapshotEvent {
	v := lob.View{Symbol: schema.NewSymbol(symbol), Seq: seq, LastTs: ts}
	v.Bids[0] = lob.Level{Price: schema.MustPx("99.5"), Quantity: schema.MustQty("2"), OrderCount: 1}
	v.Asks[0] = lob.Level{Price: schema.MustPx("100.5"), Quantity: schema.MustQty("1"), OrderCount: 1}
	v.BidLen, v.AskLen = 1, 1
	return engine.LobSnapshotEvent{
		View: v,
		Analytics: analytics.Snapshot{
			Symbol:     v.Symbol,
			Ts:         ts,
			Seq:        seq,
			HasQuote:   true,
			Spread:     schema.MustPx("1"),
			Mid:        schema.MustPx("100"),
			MicroPrice: 100.16,
			Imbalance:  1.0 / 3,
			VPIN:       0.4,
			Flags:      analytics.FlagMomentumIgnition,
			Trades:     seq,
		},
	}
}

func TestArchiveQuery(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t, Config{BatchSize: 4})

	for i := 1; i <= 10; i++ {
		require.NoError(t, a.Add(ctx, event("BTCUSDT", schema.Ts(i*100), uint64(i))))
		require.NoError(t, a.Add(ctx, event("ETHUSDT", schema.Ts(i*100), uint64(i))))
	}
	require.Equal(t, 0, a.Pending())

	testCases := []struct {
		desc     string
		symbol   string
		from, to schema.Ts
		limit    int
		seqs     []uint64
	}{
		{desc: "window", symbol: "BTCUSDT", from: 250, to: 500, seqs: []uint64{3, 4, 5}},
		{desc: "inclusive bounds", symbol: "ETHUSDT", from: 100, to: 200, seqs: []uint64{1, 2}},
		{desc: "limit", symbol: "BTCUSDT", from: 0, to: 1000, limit: 2, seqs: []uint64{1, 2}},
		{desc: "empty", symbol: "SOLUSDT", from: 0, to: 1000},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			records, err := a.Query(ctx, schema.NewSymbol(tc.symbol), tc.from, tc.to, tc.limit)
			require.NoError(t, err)
			seqs := make([]uint64, 0, len(records))
			for _, r := range records {
				seqs = append(seqs, r.Seq)
			}
			if len(tc.seqs) == 0 {
				require.Empty(t, seqs)
				return
			}
			require.Equal(t, tc.seqs, seqs)
		})
	}

	_, err := a.Query(ctx, schema.NewSymbol("BTCUSDT"), 10, 1, 0)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestArchiveRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t, Config{BatchSize: 1})

	ev := event("BTCUSDT", 1234, 7)
	require.NoError(t, a.Add(ctx, ev))

	records, err := a.Query(ctx, ev.View.Symbol, 0, 2000, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, int64(schema.MustPx("99.5")), r.BestBid)
	assert.Equal(t, int64(schema.MustPx("100.5")), r.BestAsk)
	assert.Equal(t, ev.Analytics, r.Snapshot())
}

func TestArchiveSampleAndPrune(t *testing.T) {
	ctx := context.Background()
	a := newTestArchive(t, Config{BatchSize: 100, Sample: 3})

	for i := 0; i < 9; i++ {
		require.NoError(t, a.Add(ctx, event("BTCUSDT", schema.Ts(i), uint64(i))))
	}
	require.Equal(t, 3, a.Pending())
	require.NoError(t, a.Flush(ctx))

	n, err := a.Prune(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	records, err := a.Query(ctx, schema.NewSymbol("BTCUSDT"), 0, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uint64(6), records[0].Seq)
}

func TestArchiveRun(t *testing.T) {
	a := newTestArchive(t, Config{BatchSize: 100, FlushInterval: time.Hour})

	b := bus.NewBus[engine.LobSnapshotEvent]()
	sub := b.Subscribe(64)
	for i := 1; i <= 20; i++ {
		b.Publish(event("BTCUSDT", schema.Ts(i), uint64(i)))
	}
	b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(context.Background(), sub)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("archive did not stop after the subscription closed")
	}

	records, err := a.Query(context.Background(), schema.NewSymbol("BTCUSDT"), 0, 100, 0)
	require.NoError(t, err)
	require.Len(t, records, 20)
}

func TestArchiveBoundsPending(t *testing.T) {
	ctx := context.Background()
	client, err := conn.New(conn.Option{Driver: conn.DriverSQLite, Database: ":memory:"})
	require.NoError(t, err)
	a, err := New(client.DB(), Config{BatchSize: 2, MaxPending: 4})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	for i := 1; i <= 7; i++ {
		err := a.Add(ctx, event("BTCUSDT", schema.Ts(i), uint64(i)))
		if i < 2 {
			require.NoError(t, err)
			continue
		}
		require.Error(t, err, "add %d", i)
		require.LessOrEqual(t, a.Pending(), 4)
	}
	require.Equal(t, 4, a.Pending())
	require.Equal(t, uint64(3), a.Dropped())

	seqs := make([]uint64, 0, a.Pending())
	for _, r := range a.pending {
		seqs = append(seqs, r.Seq)
	}
	require.Equal(t, []uint64{4, 5, 6, 7}, seqs, "the oldest records go first")
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		desc string
		cfg  Config
		ok   bool
	}{
		{desc: "defaults", cfg: Config{}.withDefaults(), ok: true},
		{desc: "zero batch", cfg: Config{FlushInterval: time.Second}},
		{desc: "negative sample", cfg: Config{BatchSize: 1, FlushInterval: time.Second, Sample: -1, MaxPending: 1}},
		{desc: "pending below batch", cfg: Config{BatchSize: 4, FlushInterval: time.Second, MaxPending: 2}},
		{desc: "explicit pending", cfg: Config{BatchSize: 4, FlushInterval: time.Second, MaxPending: 4}, ok: true},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}

	_, err := New(nil, Config{})
	require.ErrorIs(t, err, ErrNilDB)
}
