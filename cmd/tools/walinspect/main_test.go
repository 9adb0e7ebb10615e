package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lobcore/internal/codec"
	"lobcore/internal/schema"
	"lobcore/internal/wal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSegment(t *testing.T, symbols ...string) (string, []wal.Offset) {
	t.Helper()
	cfg := wal.DefaultConfig(t.TempDir())
	cfg.DisableSync = true
	store, err := wal.Open(cfg)
	require.NoError(t, err)

	var offsets []wal.Offset
	for i, sym := range symbols {
		u := schema.Update{
			Symbol:   schema.NewSymbol(sym),
			Side:     schema.SideBid,
			Kind:     schema.KindInsert,
			Price:    schema.MustPx("100.00"),
			Quantity: schema.MustQty("1"),
		}
		rec := wal.Record{Type: wal.RecordTick, Ts: schema.Ts(i + 1), Payload: codec.EncodeUpdate(nil, u)}
		off, err := store.Append(&rec)
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	require.NoError(t, store.Close())
	return filepath.Join(cfg.Dir, "lob-0000000000.wal"), offsets
}

func TestDumpFile(t *testing.T) {
	testCases := []struct {
		desc    string
		symbol  string
		limit   int
		corrupt bool
		lines   int
		tail    string
	}{
		{desc: "all records", lines: 3, tail: "3 records"},
		{desc: "one symbol", symbol: "AAPL", lines: 2, tail: "3 records"},
		{desc: "limit", limit: 1, lines: 1, tail: "3 records"},
		{desc: "stops at bad record", corrupt: true, lines: 2, tail: "checksum"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			path, offsets := writeSegment(t, "AAPL", "MSFT", "AAPL")
			if tc.corrupt {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				data[offsets[2].Pos+wal.HeaderSize+3] ^= 0xff
				require.NoError(t, os.WriteFile(path, data, 0o644))
			}
			symbol, err := parseSymbol(tc.symbol)
			require.NoError(t, err)

			var out bytes.Buffer
			require.NoError(t, dumpFile(&out, path, symbol, false, tc.limit))

			text := out.String()
			assert.Equal(t, tc.lines, strings.Count(text, "seq="), text)
			assert.Contains(t, text, tc.tail)
		})
	}

	var out bytes.Buffer
	require.Error(t, dumpFile(&out, filepath.Join(t.TempDir(), "missing.wal"), schema.Symbol{}, false, 0))
}
