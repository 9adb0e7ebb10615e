package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"

	"lobcore/internal/chaos"
	"lobcore/internal/mdg"
	"lobcore/internal/schema"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// chaos perturbs a JSON-lines feed read from stdin and writes it to stdout, or,
// with -segment, damages a WAL segment file in place.
func main() {
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	dropRate := flag.Float64("drop-rate", 0, "Drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0, "Duplicate probability [0-1]")
	reorderWindow := flag.Int("reorder-window", 1, "Reorder window (>=1)")
	maxDelay := flag.Duration("max-delay", 0, "Max timestamp delay")

	segment := flag.String("segment", "", "WAL segment file to damage instead of filtering a feed")
	truncate := flag.Int64("truncate", 0, "Bytes to cut off the segment tail")
	flip := flag.Int64("flip", -1, "Offset of a byte to invert in the segment")
	garbage := flag.Int("garbage", 0, "Bytes of garbage to append to the segment")
	flag.Parse()

	var err error
	if *segment != "" {
		err = damage(*segment, *truncate, *flip, *garbage)
	} else {
		err = perturb(os.Stdin, os.Stdout, chaos.Config{
			Seed:          *seed,
			DropRate:      *dropRate,
			DuplicateRate: *dupRate,
			ReorderWindow: *reorderWindow,
			MaxDelay:      *maxDelay,
		})
	}
	if err != nil {
		logs.Errorf("chaos: %+v", err)
		os.Exit(1)
	}
}

func damage(path string, truncate, flip int64, garbage int) error {
	if truncate > 0 {
		if err := chaos.TruncateTail(path, truncate); err != nil {
			return err
		}
		logs.Infof("chaos: truncated %d bytes of %s", truncate, path)
	}
	if flip >= 0 {
		if err := chaos.FlipByte(path, flip); err != nil {
			return err
		}
		logs.Infof("chaos: flipped byte %d of %s", flip, path)
	}
	if garbage > 0 {
		data := make([]byte, garbage)
		for i := range data {
			data[i] = byte(0xA5 ^ i)
		}
		if err := chaos.AppendGarbage(path, data); err != nil {
			return err
		}
		logs.Infof("chaos: appended %d garbage bytes to %s", garbage, path)
	}
	return nil
}

func perturb(in io.Reader, out io.Writer, cfg chaos.Config) error {
	eng, err := chaos.NewEngine(cfg)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(out)
	write := func(events []schema.Event) error {
		for _, ev := range events {
			line, err := sonic.ConfigFastest.Marshal(mdg.Format(ev))
			if err != nil {
				return errors.Wrap(err, "encode event")
			}
			line = append(line, '\n')
			if _, err := w.Write(line); err != nil {
				return err
			}
		}
		return nil
	}

	stats, err := mdg.Pump(context.Background(), mdg.NewReader(in, mdg.NewNormalizer(nil)), func(_ context.Context, ev schema.Event) error {
		return write(eng.Process(ev))
	})
	if err != nil {
		return err
	}
	if err := write(eng.Flush()); err != nil {
		return err
	}
	logs.Infof("chaos: read %d events, skipped %d lines", stats.Events, stats.Skipped)
	return w.Flush()
}
