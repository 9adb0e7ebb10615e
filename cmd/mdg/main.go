package main

import (
	"bufio"
	"flag"
	"io"
	"os"
	"strings"
	"time"

	"lobcore/internal/mdg"
	"lobcore/internal/schema"
	"lobcore/pkg/uds"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"
)

// mdg writes a synthetic JSON-lines feed to stdout or a lobd feed socket,
// e.g. `mdg -events 10000 | lobd`.
func main() {
	symbols := flag.String("symbols", "BTCUSDT,ETHUSDT", "Comma separated symbols")
	events := flag.Int("events", 10, "Number of events to generate")
	interval := flag.Duration("interval", 0, "Delay between events")
	mid := flag.String("mid", "100", "Mid price")
	tick := flag.String("tick", "0.01", "Price step between levels")
	levels := flag.Int("levels", 10, "Levels per side")
	maxQty := flag.String("max-qty", "10", "Max quantity of one order")
	seed := flag.Uint64("seed", 1, "Random seed")
	socket := flag.String("socket", "", "Write to a lobd feed socket instead of stdout")
	flag.Parse()

	if *events <= 0 {
		logs.Errorf("mdg: events must be > 0")
		os.Exit(1)
	}

	cfg := mdg.GeneratorConfig{
		Symbols: strings.Split(*symbols, ","),
		Levels:  *levels,
		Seed:    *seed,
		Start:   time.Now(),
	}
	var err error
	if cfg.Mid, err = schema.ParsePx(*mid); err != nil {
		logs.Errorf("mdg: mid, err: %+v", err)
		os.Exit(1)
	}
	if cfg.Tick, err = schema.ParsePx(*tick); err != nil {
		logs.Errorf("mdg: tick, err: %+v", err)
		os.Exit(1)
	}
	if cfg.MaxQty, err = schema.ParseQty(*maxQty); err != nil {
		logs.Errorf("mdg: max-qty, err: %+v", err)
		os.Exit(1)
	}
	gen, err := mdg.NewGenerator(cfg)
	if err != nil {
		logs.Errorf("mdg: generator init failed, err: %+v", err)
		os.Exit(1)
	}

	var dst io.Writer = os.Stdout
	if *socket != "" {
		client, err := uds.NewClient(*socket, 5*time.Second)
		if err != nil {
			logs.Errorf("mdg: socket, err: %+v", err)
			os.Exit(1)
		}
		conn, err := client.Dial()
		if err != nil {
			logs.Errorf("mdg: dial %s, err: %+v", *socket, err)
			os.Exit(1)
		}
		defer conn.Close()
		dst = conn
	}

	out := bufio.NewWriter(dst)
	defer out.Flush()
	for i := 0; i < *events; i++ {
		line, err := sonic.ConfigFastest.Marshal(mdg.Format(gen.Next()))
		if err != nil {
			logs.Errorf("mdg: encode event, err: %+v", err)
			os.Exit(1)
		}
		line = append(line, '\n')
		if _, err := out.Write(line); err != nil {
			logs.Errorf("mdg: write, err: %+v", err)
			os.Exit(1)
		}
		if *interval > 0 {
			if err := out.Flush(); err != nil {
				os.Exit(1)
			}
			time.Sleep(*interval)
		}
	}
}
