package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/esbmeter/esbmeter/pkg/breaker"
	"github.com/esbmeter/esbmeter/pkg/coordinator"
	"github.com/esbmeter/esbmeter/pkg/esb"
	"github.com/esbmeter/esbmeter/pkg/hass"
	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/metrics"
	"github.com/esbmeter/esbmeter/pkg/server"
	"github.com/esbmeter/esbmeter/pkg/session"
)

func main() {
	// init packages
	b := breaker.Configured(esb.DublinLocation)
	store := session.Configured()
	f := esb.Configured(store, b)
	mq := hass.Configured(f.MPRN)

	collector := metrics.NewCollector()
	collector.WatchBreaker(b)

	c := coordinator.Configured(f,
		coordinator.WithBreaker(b),
		coordinator.WithLocation(esb.DublinLocation),
		coordinator.WithSink(collector),
		coordinator.WithSink(mq),
		coordinator.WithNotifier(coordinator.LogNotifier{}),
		coordinator.WithNotifier(mq),
	)

	// init server
	srv := server.Configured(c, f, collector.Handler())

	manualCookies := lflag.String("manual-cookies", "", "Cookie header copied from a logged in browser, saved before the first fetch")

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		mq.Close(context.Background())
		if err := store.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close session store", slog.Any("error", err))
		}
	}()

	ctx = log.WithAttrs(ctx, slog.String("mprn", f.MPRN()))
	f.Sessions().Prune(ctx)
	if *manualCookies != "" {
		if err := f.SaveManualCookies(ctx, *manualCookies); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save manual cookies", slog.Any("error", err))
			os.Exit(1)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	// Run will block until context is canceled or error happens
	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "esbmeter failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "esbmeter exited cleanly")
}
