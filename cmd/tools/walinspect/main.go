package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"lobcore/internal/analytics"
	"lobcore/internal/catalog"
	"lobcore/internal/codec"
	"lobcore/internal/lob"
	"lobcore/internal/replay"
	"lobcore/internal/schema"
	"lobcore/internal/wal"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

func main() {
	dir := flag.String("dir", "data", "WAL directory")
	prefix := flag.String("prefix", "", "WAL file prefix (default: lob)")
	catalogDir := flag.String("catalog", "", "Snapshot catalog directory (optional)")
	mode := flag.String("mode", "list", "list|dump|verify|reconstruct|rebuild")
	decode := flag.Bool("decode", false, "Decode payloads in dump mode")
	symbolName := flag.String("symbol", "", "Only this symbol (dump, reconstruct)")
	from := flag.String("from", "", "Window start, RFC3339 or unix nanoseconds")
	to := flag.String("to", "", "Window end, RFC3339 or unix nanoseconds")
	limit := flag.Int("limit", 0, "Max records to print or read (0=unlimited)")
	file := flag.String("file", "", "Dump one segment file without opening the store")
	flag.Parse()

	if *file != "" {
		symbol, err := parseSymbol(*symbolName)
		if err == nil {
			err = dumpFile(os.Stdout, *file, symbol, *decode, *limit)
		}
		if err != nil {
			logs.Errorf("walinspect: %+v", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*dir, *prefix, *catalogDir, *mode, *decode, *symbolName, *from, *to, *limit); err != nil {
		logs.Errorf("walinspect: %+v", err)
		os.Exit(1)
	}
}

func run(dir, prefix, catalogDir, mode string, decode bool, symbolName, from, to string, limit int) error {
	cfg := wal.DefaultConfig(dir)
	if prefix != "" {
		cfg.FilePrefix = prefix
	}
	store, err := wal.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	symbol, err := parseSymbol(symbolName)
	if err != nil {
		return err
	}

	switch mode {
	case "list":
		list(store)
		return nil
	case "dump":
		return dump(store, symbol, decode, limit)
	case "verify":
		return verify(store)
	case "reconstruct":
		if symbol.IsZero() {
			return errors.New("reconstruct needs -symbol")
		}
		start, err := parseTs(from, math.MinInt64)
		if err != nil {
			return err
		}
		end, err := parseTs(to, math.MaxInt64)
		if err != nil {
			return err
		}
		cat, err := openCatalog(catalogDir)
		if err != nil {
			return err
		}
		if cat != nil {
			defer cat.Close()
		}
		return reconstruct(store, cat, symbol, start, end, limit)
	case "rebuild":
		if catalogDir == "" {
			return errors.New("rebuild needs -catalog")
		}
		cat, err := openCatalog(catalogDir)
		if err != nil {
			return err
		}
		defer cat.Close()
		n, err := cat.Rebuild(store)
		if err != nil {
			return err
		}
		fmt.Printf("catalog rebuilt: %d snapshots\n", n)
		return nil
	default:
		return errors.Errorf("unknown mode %q", mode)
	}
}

func parseSymbol(name string) (schema.Symbol, error) {
	if name == "" {
		return schema.Symbol{}, nil
	}
	return schema.ParseSymbol(name)
}

func openCatalog(dir string) (*catalog.Catalog, error) {
	if dir == "" {
		return nil, nil
	}
	return catalog.Open(catalog.Config{Dir: dir})
}

func parseTs(s string, fallback int64) (schema.Ts, error) {
	if s == "" {
		return schema.Ts(fallback), nil
	}
	if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
		return schema.Ts(ns), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse time %q", s)
	}
	return schema.Ts(t.UnixNano()), nil
}

func formatTs(ts schema.Ts) string {
	return time.Unix(0, int64(ts)).UTC().Format(time.RFC3339Nano)
}

func list(store *wal.Store) {
	rec := store.Recovery()
	fmt.Printf("last seq %d, end %d:%d\n", store.LastSeq(), store.End().Segment, store.End().Pos)
	if rec.DiscardedBytes > 0 {
		fmt.Printf("recovery discarded %d bytes, %d records: %v\n", rec.DiscardedBytes, rec.DiscardedRecords, rec.Reason)
	}
	for _, seg := range store.Segments() {
		state := "active"
		if seg.Sealed {
			state = "sealed"
		}
		fmt.Printf("%06d %s size=%d records=%d seq=%d..%d ts=%s..%s crc=%08x\n",
			seg.Index, state, seg.Size, seg.Records, seg.FirstSeq, seg.LastSeq,
			formatTs(seg.FirstTs), formatTs(seg.LastTs), seg.CRC)
	}
}

func dump(store *wal.Store, symbol schema.Symbol, decode bool, limit int) error {
	it := store.ReadFrom(0, 0)
	defer it.Close()

	printed := 0
	for it.Next() {
		rec := it.Record()
		if !symbol.IsZero() {
			if sym, ok := codec.PeekSymbol(rec.Payload); !ok || sym != symbol {
				continue
			}
		}
		off := it.Offset()
		fmt.Printf("%06d:%-10d seq=%d type=%s ts=%s len=%d\n", off.Segment, off.Pos, rec.Seq, rec.Type, formatTs(rec.Ts), len(rec.Payload))
		if decode {
			printDecoded(os.Stdout, &rec)
		}
		printed++
		if limit > 0 && printed >= limit {
			break
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if stats := it.Stats(); stats.Corrupted {
		fmt.Printf("stopped at %d:%d: %v\n", stats.Stop.Segment, stats.Stop.Pos, stats.Reason)
	}
	return nil
}

// dumpFile prints the records of a single segment file, stopping at the first
// bad record. The file is opened read-only, so a live store is not disturbed.
func dumpFile(w io.Writer, path string, symbol schema.Symbol, decode bool, limit int) error {
	records, stats, err := wal.ReadSegmentFile(path, wal.DefaultConfig("").MaxPayloadSize)
	if err != nil {
		return errors.Wrapf(err, "read segment %s", path)
	}

	var pos int64
	printed := 0
	for i := range records {
		rec := &records[i]
		off := pos
		pos += rec.Size()
		if !symbol.IsZero() {
			if sym, ok := codec.PeekSymbol(rec.Payload); !ok || sym != symbol {
				continue
			}
		}
		fmt.Fprintf(w, "%-10d seq=%d type=%s ts=%s len=%d\n", off, rec.Seq, rec.Type, formatTs(rec.Ts), len(rec.Payload))
		if decode {
			printDecoded(w, rec)
		}
		printed++
		if limit > 0 && printed >= limit {
			break
		}
	}
	fmt.Fprintf(w, "%d records, %d bytes valid\n", len(records), pos)
	if stats.Corrupted {
		fmt.Fprintf(w, "stopped at %d: %v, %d bytes discarded\n", stats.Stop.Pos, stats.Reason, stats.DiscardedBytes)
	}
	return nil
}

func printDecoded(w io.Writer, rec *wal.Record) {
	switch {
	case rec.Type.IsUpdate():
		u, ok := codec.DecodeUpdate(rec.Payload)
		if !ok {
			fmt.Fprintln(w, "  decode update failed")
			return
		}
		fmt.Fprintf(w, "  %s %s %s price=%s qty=%s orders=%d order_id=%d order_qty=%s feed_seq=%d\n",
			u.Symbol, u.Side, u.Kind, u.Price, u.Quantity, u.OrderCount, u.OrderID, u.OrderQty, u.FeedSeq)
	case rec.Type == wal.RecordLobSnapshot:
		v, ok := codec.DecodeBookSnapshot(rec.Payload)
		if !ok {
			fmt.Fprintln(w, "  decode snapshot failed")
			return
		}
		fmt.Fprintf(w, "  %s book seq=%d wal_seq=%d resume=%d:%d bids=%d asks=%d\n",
			v.Symbol, v.Seq, v.WalSeq, v.Resume.Segment, v.Resume.Pos, v.BidLen, v.AskLen)
		printLevels(w, &v)
	}
}

func printLevels(w io.Writer, v *lob.View) {
	for i := 0; i < max(v.BidLen, v.AskLen); i++ {
		var bid, ask string
		if i < v.BidLen {
			bid = fmt.Sprintf("%s x %s (%d)", v.Bids[i].Quantity, v.Bids[i].Price, v.Bids[i].OrderCount)
		}
		if i < v.AskLen {
			ask = fmt.Sprintf("%s x %s (%d)", v.Asks[i].Price, v.Asks[i].Quantity, v.Asks[i].OrderCount)
		}
		fmt.Fprintf(w, "  %3d %36s | %-36s\n", i, bid, ask)
	}
}

func verify(store *wal.Store) error {
	var failed int
	for _, seg := range store.Segments() {
		if err := store.Verify(seg.Index); err != nil {
			failed++
			fmt.Printf("%06d FAIL %v\n", seg.Index, err)
			continue
		}
		fmt.Printf("%06d ok\n", seg.Index)
	}
	if failed > 0 {
		return errors.Errorf("%d segments failed verification", failed)
	}
	return nil
}

func reconstruct(store *wal.Store, cat *catalog.Catalog, symbol schema.Symbol, start, end schema.Ts, limit int) error {
	acfg := analytics.DefaultConfig()
	r, err := replay.NewReconstructor(store, cat, replay.Options{MaxRecords: limit, Analytics: &acfg})
	if err != nil {
		return err
	}
	res, err := r.Reconstruct(context.Background(), symbol, start, end)
	if err != nil {
		return err
	}

	fmt.Printf("%s at %s: seq=%d wal_seq=%d applied=%d rejected=%d from_snapshot=%t(seq %d)\n",
		symbol, formatTs(res.Book.LastTs), res.Book.Seq, res.LastSeq, res.Applied, res.Rejected, res.FromSnapshot, res.SnapshotSeq)
	if res.Stats.Corrupted {
		fmt.Printf("log stopped at %d:%d: %v\n", res.Stats.Stop.Segment, res.Stats.Stop.Pos, res.Stats.Reason)
	}
	printLevels(os.Stdout, &res.Book)

	if n := len(res.Snapshots); n > 0 {
		last := res.Snapshots[n-1]
		fmt.Printf("analytics: %d snapshots, last spread=%s mid=%s micro=%.6f imbalance=%.4f vpin=%.4f lambda=%.6g amihud=%.6g flags=%s\n",
			n, last.Spread, last.Mid, last.MicroPrice, last.Imbalance, last.VPIN, last.KyleLambda, last.Amihud, last.Flags)
	}
	return nil
}
