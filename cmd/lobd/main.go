package main

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"lobcore/internal/archive"
	"lobcore/internal/engine"
	"lobcore/internal/mdg"
	"lobcore/internal/obs"
	"lobcore/internal/ops"
	"lobcore/internal/publish"
	"lobcore/pkg/conn"
	"lobcore/pkg/uds"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("lobd: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to YAML config, LOBCORE_* env vars override it")
	feedPath := flag.String("feed", "-", "JSON-lines feed file, - reads stdin")
	synthetic := flag.Int("synthetic", 0, "Generate this many synthetic events instead of reading a feed")
	seed := flag.Uint64("seed", 1, "Seed of the synthetic feed")
	listen := flag.String("listen", "", "Unix socket accepting JSON-lines feeds instead of -feed")
	stay := flag.Bool("stay", false, "Keep running after the feed ends")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		return err
	}
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Infof("lobd: shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.Profiling.ServerAddress != "" {
		profiler, err := startProfiler(cfg.Profiling)
		if err != nil {
			return err
		}
		defer func() { _ = profiler.Stop() }()
	}

	eng, err := engine.Open(ctx, engineCfg)
	if err != nil {
		return err
	}
	rec := eng.Recovered()
	logs.Infof("lobd: recovered %d books from %d snapshots, replayed %d records", len(rec.Books), rec.Restored, rec.Applied)

	var wg sync.WaitGroup
	defer wg.Wait()

	if cfg.Metrics.Addr != "" {
		srv := metricsServer(cfg.Metrics, eng.Metrics())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logs.Errorf("lobd: metrics server, err: %+v", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if len(cfg.Kafka.Brokers) != 0 {
		sink, err := publish.NewKafkaSink(cfg.KafkaConfig())
		if err != nil {
			_ = eng.Close()
			return err
		}
		books, ticks := eng.Subscribe(cfg.Kafka.Queue), eng.SubscribeTicks(cfg.Kafka.Queue)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Run(context.Background(), books, ticks)
			if err := sink.Close(); err != nil {
				logs.Errorf("lobd: close kafka sink, err: %+v", err)
			}
		}()
		logs.Infof("lobd: publishing to kafka %v", cfg.Kafka.Brokers)
	}

	if cfg.Archive.Driver != "" {
		client, err := conn.New(cfg.ArchiveOption())
		if err != nil {
			_ = eng.Close()
			return err
		}
		arch, err := archive.New(client.DB(), cfg.ArchiveConfig())
		if err != nil {
			_ = client.Close()
			_ = eng.Close()
			return err
		}
		sub := eng.Subscribe(cfg.Archive.Queue)
		wg.Add(1)
		go func() {
			defer wg.Done()
			arch.Run(context.Background(), sub)
			_ = client.Close()
		}()
		logs.Infof("lobd: archiving analytics to %s", cfg.Archive.Driver)
	}

	runCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	runErr := make(chan error, 1)
	go func() {
		runErr <- eng.Run(runCtx)
	}()

	if *listen != "" {
		if err := serveFeeds(ctx, eng, *listen); err != nil {
			logs.Errorf("lobd: serve feeds, err: %+v", err)
		}
	} else {
		stats, feedErr := feed(ctx, eng, *feedPath, *synthetic, *seed)
		logs.Infof("lobd: feed done, %d events, %d skipped lines", stats.Events, stats.Skipped)
		if feedErr != nil && ctx.Err() == nil {
			logs.Errorf("lobd: feed, err: %+v", feedErr)
		}
		if *stay && feedErr == nil {
			<-ctx.Done()
		}
	}

	stopEngine()
	err = <-runErr
	if closeErr := eng.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	snap := eng.Metrics().Snapshot()
	var rejects uint64
	for _, n := range snap.Rejects {
		rejects += n
	}
	logs.Infof("lobd: applied %d updates, %d rejects, %d input errors", snap.Applied, rejects, snap.InputErrors)
	return err
}

func feed(ctx context.Context, eng *engine.Engine, path string, synthetic int, seed uint64) (mdg.Stats, error) {
	if synthetic > 0 {
		return generate(ctx, eng, synthetic, seed)
	}

	var src io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return mdg.Stats{}, errors.Wrapf(err, "open feed %s", path)
		}
		defer f.Close()
		src = f
	}
	return mdg.Pump(ctx, mdg.NewReader(src, mdg.NewNormalizer(nil)), eng.Submit)
}

// serveFeeds accepts feed producers on a Unix socket until ctx is done.
func serveFeeds(ctx context.Context, eng *engine.Engine, path string) error {
	srv, err := uds.NewServer(path)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	logs.Infof("lobd: accepting feeds on %s", path)
	return srv.Serve(ctx, func(ctx context.Context, c net.Conn) {
		stats, err := mdg.Pump(ctx, mdg.NewReader(c, mdg.NewNormalizer(nil)), eng.Submit)
		if err != nil && ctx.Err() == nil {
			logs.Warnf("lobd: feed connection, err: %+v", err)
		}
		logs.Infof("lobd: feed connection closed, %d events, %d skipped lines", stats.Events, stats.Skipped)
	})
}

func generate(ctx context.Context, eng *engine.Engine, n int, seed uint64) (mdg.Stats, error) {
	var symbols []string
	for _, book := range eng.Books() {
		symbols = append(symbols, book.Symbol().String())
	}
	if len(symbols) == 0 {
		symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	gen, err := mdg.NewGenerator(mdg.GeneratorConfig{Symbols: symbols, Seed: seed, Start: time.Now()})
	if err != nil {
		return mdg.Stats{}, err
	}

	var stats mdg.Stats
	for i := 0; i < n; i++ {
		if err := eng.Submit(ctx, gen.Next()); err != nil {
			return stats, err
		}
		stats.Events++
	}
	return stats, nil
}

func metricsServer(cfg ops.MetricsConfig, metrics *obs.Metrics) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		obs.NewCollector(metrics),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func startProfiler(cfg ops.ProfilingConfig) (*pyroscope.Profiler, error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start pyroscope")
	}
	return profiler, nil
}

// profilerLogger routes pyroscope logs through logs, dropping debug output.
type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...any)  { logs.Infof("pyroscope: "+format, args...) }
func (profilerLogger) Debugf(string, ...any)             {}
func (profilerLogger) Errorf(format string, args ...any) { logs.Errorf("pyroscope: "+format, args...) }
