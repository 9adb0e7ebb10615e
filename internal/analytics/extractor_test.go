package analytics

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"lobcore/internal/lob"
	"lobcore/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sym = schema.NewSymbol("AAPL")

func quote(t *testing.T, bid, bidQty, ask, askQty string) lob.View {
	t.Helper()
	b, err := lob.NewBook(sym, lob.DefaultConfig())
	require.NoError(t, err)
	_, err = b.ApplyUpdate(schema.Update{Symbol: sym, Side: schema.SideBid, Kind: schema.KindInsert, Price: schema.MustPx(bid), Quantity: schema.MustQty(bidQty)}, 1)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(schema.Update{Symbol: sym, Side: schema.SideAsk, Kind: schema.KindInsert, Price: schema.MustPx(ask), Quantity: schema.MustQty(askQty)}, 2)
	require.NoError(t, err)
	return b.Snapshot()
}

func trade(hit schema.Side, price, qty string) schema.Update {
	return schema.Update{
		Symbol:   sym,
		Side:     hit,
		Kind:     schema.KindTrade,
		Price:    schema.MustPx(price),
		OrderQty: schema.MustQty(qty),
	}
}

func newExtractor(t *testing.T, mutate func(*Config)) *Extractor {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewExtractor(cfg)
	require.NoError(t, err)
	return e
}

func TestQuoteMetrics(t *testing.T) {
	e := newExtractor(t, nil)
	v := quote(t, "100.00", "30", "100.10", "10")

	snap := e.OnUpdate(&v, nil, 10)
	require.True(t, snap.HasQuote)
	assert.Equal(t, schema.MustPx("0.10"), snap.Spread)
	assert.Equal(t, schema.MustPx("100.05"), snap.Mid)
	assert.InDelta(t, 0.5, snap.Imbalance, 1e-12)
	// quantity weighted toward the thin side.
	assert.InDelta(t, (100.00*10+100.10*30)/40, snap.MicroPrice, 1e-9)
	assert.Equal(t, v.Seq, snap.Seq)
	assert.Equal(t, Flags(0), snap.Flags)

	empty := lob.View{Symbol: sym}
	snap = e.OnUpdate(&empty, nil, 11)
	assert.False(t, snap.HasQuote)
	assert.Zero(t, snap.Imbalance)
}

func TestVPINBuckets(t *testing.T) {
	e := newExtractor(t, func(c *Config) {
		c.VPINBucketVolume = schema.MustQty("10")
		c.VPINWindow = 2
	})
	v := quote(t, "99", "1", "101", "1")

	snap := e.OnUpdate(&v, []schema.Update{trade(schema.SideAsk, "101", "10")}, 1)
	assert.InDelta(t, 1.0, snap.VPIN, 1e-12)

	snap = e.OnUpdate(&v, []schema.Update{trade(schema.SideBid, "99", "5"), trade(schema.SideAsk, "101", "5")}, 2)
	assert.InDelta(t, 0.5, snap.VPIN, 1e-12)

	// overflow spills into the next bucket.
	snap = e.OnUpdate(&v, []schema.Update{trade(schema.SideAsk, "101", "15")}, 3)
	assert.InDelta(t, 0.5, snap.VPIN, 1e-12)
	snap = e.OnUpdate(&v, []schema.Update{trade(schema.SideBid, "99", "5")}, 4)
	assert.InDelta(t, 0.5, snap.VPIN, 1e-12)
	assert.Equal(t, uint64(5), snap.Trades)
}

func TestKyleLambda(t *testing.T) {
	e := newExtractor(t, nil)
	mids := []struct {
		bid, ask string
		hit      schema.Side
		qty      string
	}{
		{"100.00", "100.02", schema.SideAsk, "1"},
		{"100.01", "100.03", schema.SideAsk, "2"},
		{"100.03", "100.05", schema.SideAsk, "4"},
		{"100.01", "100.03", schema.SideBid, "4"},
		{"100.00", "100.02", schema.SideBid, "2"},
	}
	var snap Snapshot
	for i, m := range mids {
		v := quote(t, m.bid, "1", m.ask, "1")
		snap = e.OnUpdate(&v, []schema.Update{trade(m.hit, m.bid, m.qty)}, schema.Ts(i))
	}
	// mid moves 0.005 per unit of signed volume on every sample.
	assert.InDelta(t, 0.005, snap.KyleLambda, 1e-9)
}

func TestAmihud(t *testing.T) {
	e := newExtractor(t, nil)
	v := quote(t, "99", "1", "102", "1")
	e.OnUpdate(&v, []schema.Update{trade(schema.SideAsk, "100", "1")}, 1)
	snap := e.OnUpdate(&v, []schema.Update{trade(schema.SideAsk, "101", "2")}, 2)
	assert.InDelta(t, math.Log(101.0/100.0)/2, snap.Amihud, 1e-12)
}

func order(action schema.OrderAction, side schema.Side, price, qty string) schema.Update {
	return schema.Update{
		Symbol:   sym,
		Side:     side,
		Kind:     schema.KindModify,
		Action:   action,
		Price:    schema.MustPx(price),
		OrderQty: schema.MustQty(qty),
	}
}

func TestSpoofing(t *testing.T) {
	testCases := []struct {
		desc    string
		cancels int
		flagged bool
	}{
		{"most pulled", 4, true},
		{"mostly resting", 3, false},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			e := newExtractor(t, nil)
			v := quote(t, "99", "1", "101", "1")
			var events []schema.Update
			for i := 0; i < 5; i++ {
				events = append(events, order(schema.ActionAdd, schema.SideBid, "98", "500"))
			}
			for i := 0; i < tc.cancels; i++ {
				events = append(events, order(schema.ActionCancel, schema.SideBid, "98", "500"))
			}
			snap := e.OnUpdate(&v, events, schema.Ts(time.Second))
			require.Equal(t, tc.flagged, snap.Flags.Has(FlagSpoofing))
		})
	}
}

func TestSpoofingWindowExpires(t *testing.T) {
	e := newExtractor(t, nil)
	v := quote(t, "99", "1", "101", "1")
	var events []schema.Update
	for i := 0; i < 5; i++ {
		events = append(events, order(schema.ActionAdd, schema.SideBid, "98", "500"), order(schema.ActionCancel, schema.SideBid, "98", "500"))
	}
	require.True(t, e.OnUpdate(&v, events, 0).Flags.Has(FlagSpoofing))
	later := schema.Ts(6 * time.Second)
	require.False(t, e.OnUpdate(&v, nil, later).Flags.Has(FlagSpoofing))
}

func TestLayering(t *testing.T) {
	e := newExtractor(t, nil)
	v := quote(t, "99", "1", "101", "1")
	events := []schema.Update{
		order(schema.ActionAdd, schema.SideAsk, "101.5", "1"),
		order(schema.ActionAdd, schema.SideAsk, "102", "1"),
		order(schema.ActionCancel, schema.SideAsk, "101.5", "1"),
		order(schema.ActionCancel, schema.SideAsk, "102", "1"),
	}
	snap := e.OnUpdate(&v, events, 1)
	require.False(t, snap.Flags.Has(FlagLayering))

	events = []schema.Update{
		order(schema.ActionAdd, schema.SideAsk, "102.5", "1"),
		order(schema.ActionCancel, schema.SideAsk, "102.5", "1"),
	}
	snap = e.OnUpdate(&v, events, 2)
	require.True(t, snap.Flags.Has(FlagLayering))
	require.Equal(t, "layering", snap.Flags.String())
}

func TestMomentumIgnition(t *testing.T) {
	e := newExtractor(t, nil)
	v := quote(t, "99", "1", "101", "1")
	var snap Snapshot
	for i := 0; i < 10; i++ {
		price := schema.MustPx("100").Float64() + float64(i)*0.02
		tr := trade(schema.SideAsk, "100", "1")
		tr.Price = schema.Px(math.Round(price * schema.ScaleMultiplier))
		snap = e.OnUpdate(&v, []schema.Update{tr}, schema.Ts(int64(i)*int64(50*time.Millisecond)))
	}
	require.True(t, snap.Flags.Has(FlagMomentumIgnition))

	// the same burst spread over ten seconds is not ignition.
	e = newExtractor(t, nil)
	for i := 0; i < 10; i++ {
		tr := trade(schema.SideAsk, "100", "1")
		tr.Price += schema.Px(i * 200)
		snap = e.OnUpdate(&v, []schema.Update{tr}, schema.Ts(int64(i)*int64(time.Second)))
	}
	require.False(t, snap.Flags.Has(FlagMomentumIgnition))
}

func TestDeterministic(t *testing.T) {
	run := func() []Snapshot {
		e := newExtractor(t, nil)
		b, err := lob.NewBook(sym, lob.DefaultConfig())
		require.NoError(t, err)
		rng := rand.New(rand.NewSource(5))
		var out []Snapshot
		for i := 0; i < 2_000; i++ {
			u := schema.Update{
				Symbol:   sym,
				Side:     schema.Side(1 + rng.Intn(2)),
				Kind:     schema.UpdateKind(1 + rng.Intn(4)),
				Action:   schema.OrderAction(rng.Intn(3)),
				Price:    schema.Px(990_000 + rng.Int63n(20_000)),
				Quantity: schema.Qty(rng.Int63n(5) * 10_000),
				OrderQty: schema.Qty(rng.Int63n(2_000) * 10_000),
			}
			if _, err := b.ApplyUpdate(u, schema.Ts(i)); err != nil {
				continue
			}
			v := b.Snapshot()
			out = append(out, e.OnUpdate(&v, []schema.Update{u}, schema.Ts(i)))
		}
		return out
	}
	require.Equal(t, run(), run())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.SpoofCancelRatio = 1.5
	require.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.EventRingSize = 1
	_, err := NewExtractor(cfg)
	require.Error(t, err)
}
