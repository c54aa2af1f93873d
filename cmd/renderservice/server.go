// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRender/services/render/config"
	"github.com/AleutianAI/AleutianRender/services/render/mainloop"
	"github.com/AleutianAI/AleutianRender/services/render/observability"
	"github.com/AleutianAI/AleutianRender/services/render/screen"
	"github.com/AleutianAI/AleutianRender/services/render/service"
	"github.com/AleutianAI/AleutianRender/services/render/session"
	badgerstore "github.com/AleutianAI/AleutianRender/services/render/storage/badger"
	"github.com/AleutianAI/AleutianRender/services/render/telemetry"
	"github.com/AleutianAI/AleutianRender/services/render/transport"
	"github.com/AleutianAI/AleutianRender/services/render/unmarshal"
	"github.com/AleutianAI/AleutianRender/services/render/vsync"
)

// appOptions are the parts of app wiring that tests replace.
type appOptions struct {
	// Registry holds the render metrics. Nil means the default registry.
	Registry *prometheus.Registry

	// Meter reports the connection gauge. Nil means the global meter.
	Meter metric.Meter
}

// app is one running render service.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	db      *badgerstore.DB
	journal *badgerstore.Journal
	dist    *vsync.Distributor
	sched   *mainloop.Scheduler
	off     *unmarshal.Offloader
	svc     *service.Service
	watcher *session.ProcessWatcher
	gauge   metric.Registration
	srv     *http.Server
	ln      net.Listener
}

// newApp builds every component from cfg and binds the listener.
//
// # Outputs
//
//   - *app: Call run, then close.
//   - error: Storage, wiring or listen failure. Partially built
//     components are released.
func newApp(cfg config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	mode, err := cfg.RenderMode()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if cfg.Storage.Path == "" {
		a.db, err = badgerstore.OpenInMemory()
	} else {
		bc := badgerstore.DefaultConfig(cfg.Storage.Path)
		bc.SyncWrites = cfg.Storage.SyncWrites
		bc.Logger = logger
		a.db, err = badgerstore.Open(bc)
	}
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}
	if a.journal, err = badgerstore.NewJournal(a.db); err != nil {
		return nil, err
	}

	var reg prometheus.Registerer
	if opts.Registry != nil {
		reg = opts.Registry
	}
	metrics := observability.New(reg)

	screens := screen.NewManager(screen.Config{
		Name:        cfg.Screen.Name,
		Width:       cfg.Screen.Width,
		Height:      cfg.Screen.Height,
		RefreshRate: cfg.Screen.RefreshRate,
		Logger:      logger,
	})
	a.dist = vsync.New(vsync.Config{Period: cfg.Render.VSyncPeriod, Logger: logger})
	a.sched = mainloop.New(mainloop.Config{
		RenderMode:          mode,
		Distributor:         a.dist,
		Screens:             screens,
		RefreshPeriod:       cfg.Render.RefreshPeriod,
		SkipAfterPeriods:    cfg.Render.SkipAfterPeriods,
		MaxPendingPerSender: cfg.Render.MaxPendingPerSender,
		CompositionTimeout:  cfg.Render.CompositionTimeout,
		EventReportInterval: cfg.Render.EventReportInterval,
		Journal:             a.journal,
		Metrics:             metrics,
		Logger:              logger,
	})
	a.off = unmarshal.New(unmarshal.Config{
		Threshold: cfg.Render.UnmarshalThreshold,
		Scheduler: a.sched,
		Metrics:   metrics,
		Logger:    logger,
	})
	a.sched.SetCacheSource(a.off)

	if cfg.Session.WatchProcesses {
		a.watcher = session.NewProcessWatcher(session.WatcherConfig{
			Interval: cfg.Session.WatchInterval,
			Logger:   logger,
		})
	}
	a.svc, err = service.New(service.Config{
		Scheduler:   a.sched,
		Distributor: a.dist,
		Dispatcher:  a.off,
		Watcher:     a.watcher,
		SyncTimeout: cfg.Render.SyncTimeout,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("aleutian.render")
	}
	a.gauge, err = telemetry.RegisterConnectionGauge(meter, func() int64 {
		return int64(len(a.svc.Connections()))
	})
	if err != nil {
		return nil, fmt.Errorf("register connection gauge: %w", err)
	}

	h, err := transport.NewHandlers(transport.HandlersConfig{
		Service:   a.svc,
		Scheduler: a.sched,
		PushQueue: cfg.Server.PushQueue,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	router := transport.NewRouter(h, transport.RouterConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		MetricsHandler: metricsHandler(opts.Registry),
	})

	if a.ln, err = net.Listen("tcp", cfg.Server.Addr); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	a.srv = &http.Server{Handler: router}
	return a, nil
}

// metricsHandler picks the /metrics handler. The OTel prometheus
// exporter shares the default registry, so its handler covers both.
func metricsHandler(reg *prometheus.Registry) http.Handler {
	if reg != nil {
		return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if h := telemetry.MetricsHandler(); h != nil {
		return h
	}
	return promhttp.Handler()
}

// addr returns the bound listen address.
func (a *app) addr() string { return a.ln.Addr().String() }

// run serves until ctx is done, then shuts down gracefully.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.dist.Start(gctx)
	if err := a.sched.Start(gctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.off.Start(gctx)
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		a.logger.Info("render service listening", slog.String("address", a.addr()))
		if err := a.srv.Serve(a.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down render service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		// Hijacked websockets are not tracked by Shutdown; Close on the
		// service tears their sessions down.
		err := a.srv.Shutdown(shutdownCtx)
		a.svc.Close()
		return err
	})
	return g.Wait()
}

// close stops every component in reverse start order. Safe on a
// partially built app.
func (a *app) close() {
	if a.svc != nil {
		a.svc.Close()
	}
	if a.gauge != nil {
		_ = a.gauge.Unregister()
	}
	if a.off != nil {
		a.off.Stop()
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.dist != nil {
		a.dist.Stop()
	}
	if a.ln != nil {
		_ = a.ln.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("release journal", slog.String("error", err.Error()))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close journal store", slog.String("error", err.Error()))
		}
	}
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
