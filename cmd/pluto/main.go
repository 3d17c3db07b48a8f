package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"pluto/internal/application/usecase/monitor"
	"pluto/internal/infrastructure/config"
	"pluto/internal/infrastructure/logger"
	"pluto/internal/infrastructure/svc"
	"pluto/internal/interfaces/httpapi"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	watch := flag.Bool("watch", false, "print live prices for watch.tickers instead of serving HTTP")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup("info", true)
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel, cfg.App.LogPretty || *watch)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init service context failed")
	}
	defer func() {
		if err := sc.Close(); err != nil {
			log.Warn().Err(err).Msg("shutdown finished with errors")
		}
	}()

	if *watch {
		runWatch(ctx, sc)
		return
	}
	if err := serve(ctx, sc); err != nil {
		log.Error().Err(err).Msg("server exited")
	}
}

func runWatch(ctx context.Context, sc *svc.ServiceContext) {
	cfg := sc.Config
	mon := monitor.NewService(monitor.ServiceDeps{
		Streams:       sc.Bridge(),
		Tickers:       cfg.Watch.Tickers,
		PrintEveryMin: cfg.Watch.PrintEveryMin,
		Sink:          sc.Sink,
	})

	log.Info().
		Str("source", cfg.Feed.Source).
		Strs("tickers", cfg.Watch.Tickers).
		Int("print_every_min", cfg.Watch.PrintEveryMin).
		Msg("pluto watch started")

	if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("monitor service exited")
	}
}

func serve(ctx context.Context, sc *svc.ServiceContext) error {
	cfg := sc.Config
	opts := httpapi.Options{
		CORSOrigin:  cfg.App.CORSOrigin,
		MetricsPath: cfg.Metrics.Path,
		Feeds:       sc.Feeds,
	}
	if sc.Metrics != nil {
		opts.Metrics = sc.Metrics.Handler()
		opts.Instrument = sc.Metrics.InstrumentHandler(cfg.Metrics.Path)
	}

	srv := &http.Server{
		Addr:              cfg.App.Listen,
		Handler:           httpapi.NewServer(sc.Bridge(), opts),
		ReadHeaderTimeout: 10 * time.Second,
		// streams end when the process is asked to stop
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("listen", cfg.App.Listen).
			Str("source", cfg.Feed.Source).
			Bool("metrics", sc.Metrics != nil).
			Msg("pluto started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
