package publish

import (
	"testing"

	"lobcore/internal/analytics"
	"lobcore/internal/engine"
	"lobcore/internal/lob"
	"lobcore/internal/schema"
	"lobcore/internal/wal"

	"github.com/stretchr/testify/require"
)

func sampleView() lob.View {
	v := lob.View{
		Symbol: schema.NewSymbol("BTCUSDT"),
		Seq:    42,
		LastTs: 1_700_000_000_000_000_000,
		WalSeq: 99,
	}
	v.Bids[0] = lob.Level{Price: schema.MustPx("100.5"), Quantity: schema.MustQty("2"), OrderCount: 3}
	v.Bids[1] = lob.Level{Price: schema.MustPx("100"), Quantity: schema.MustQty("1.25"), OrderCount: 1}
	v.Asks[0] = lob.Level{Price: schema.MustPx("101"), Quantity: schema.MustQty("0.5"), OrderCount: 2}
	v.BidLen, v.AskLen = 2, 1
	return v
}

func TestTickEventRoundTrip(t *testing.T) {
	ev := engine.TickEvent{
		Seq:  7,
		Ts:   -5,
		Type: wal.RecordOrderEvent,
		Update: schema.Update{
			Symbol:     schema.NewSymbol("ETHUSDT"),
			Side:       schema.SideAsk,
			Kind:       schema.KindModify,
			Action:     schema.ActionCancel,
			Price:      schema.MustPx("2500.25"),
			Quantity:   schema.MustQty("3"),
			OrderCount: 4,
			OrderID:    123456,
			OrderQty:   schema.MustQty("1"),
			FeedSeq:    88,
			Flags:      1,
		},
	}

	got, err := DecodeTickEvent(AppendTickEvent(nil, ev))
	require.NoError(t, err)
	require.Equal(t, ev, got)
}

func TestLobSnapshotEventRoundTrip(t *testing.T) {
	view := sampleView()
	ev := engine.LobSnapshotEvent{
		View: view,
		Analytics: analytics.Snapshot{
			Symbol:     view.Symbol,
			Ts:         view.LastTs,
			Seq:        view.Seq,
			HasQuote:   true,
			Spread:     schema.MustPx("0.5"),
			Mid:        schema.MustPx("100.75"),
			MicroPrice: 100.9,
			Imbalance:  0.5,
			VPIN:       0.25,
			KyleLambda: -0.001,
			Amihud:     1e-6,
			Flags:      analytics.FlagSpoofing | analytics.FlagLayering,
			Trades:     12,
		},
	}

	got, err := DecodeLobSnapshotEvent(AppendLobSnapshotEvent(nil, ev))
	require.NoError(t, err)
	require.Equal(t, ev, got)
}

func TestDecodeMalformed(t *testing.T) {
	full := AppendTickEvent(nil, engine.TickEvent{
		Seq:    1,
		Update: schema.Update{Symbol: schema.NewSymbol("BTCUSDT"), Price: 1},
	})

	testCases := []struct {
		desc string
		data []byte
	}{
		{desc: "truncated", data: full[:len(full)-1]},
		{desc: "bad tag", data: []byte{0x00}},
		{desc: "overlong length", data: []byte{0x0a, 0x7f, 'B'}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := DecodeTickEvent(tc.data)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}

	_, err := DecodeLobSnapshotEvent([]byte{0x0a, 0x02, 0x28, 0xff})
	require.ErrorIs(t, err, ErrMalformed)
}
