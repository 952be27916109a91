package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/cairn/internal/config"
	"github.com/ShayCichocki/cairn/internal/decompose"
	"github.com/ShayCichocki/cairn/internal/logger"
	"github.com/ShayCichocki/cairn/internal/server"
	"github.com/ShayCichocki/cairn/internal/supervisor"
)

var (
	serveAddr  string
	serveSlots int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor and HTTP API",
	Long: `Run the worker supervisor together with the HTTP trigger and
observability API.

The supervisor starts Queued runs oldest first while slots are free. Each run
executes in its own 'cairn worker' process unless supervisor.isolation is set
to goroutine. Runs left Running by a previous supervisor are marked Failed on
startup.

Editing the config file while serve runs applies supervisor.slots and
log.level without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides http.addr)")
	serveCmd.Flags().IntVar(&serveSlots, "slots", 0, "Concurrent execution units (overrides supervisor.slots)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}
	if serveSlots > 0 {
		cfg.Supervisor.Slots = serveSlots
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var sup *supervisor.Supervisor
	notify := decompose.NotifierFunc(func(runID string) { sup.Enqueue(runID) })
	disp, err := a.dispatcher(ctx, notify)
	if err != nil {
		return err
	}

	spawner, err := newSpawner(cfg, disp.Execute)
	if err != nil {
		return err
	}

	opts := supervisor.Options{
		Slots:        cfg.Supervisor.Slots,
		PollInterval: cfg.Supervisor.PollInterval,
		UnitTimeout:  cfg.Supervisor.UnitTimeout,
		Spawner:      spawner,
		Composer:     disp,
		Metrics:      supervisor.NewMetrics(reg),
	}
	if watcher, err := supervisor.WatchStore(a.store.Path()); err != nil {
		logger.Warn("[serve] store watch unavailable, relying on polling", "error", err)
	} else {
		defer watcher.Close()
		opts.Wake = watcher.C()
	}
	sup = supervisor.New(a.store, opts)

	watchConfig(sup)

	h := server.NewHandler(a.store, sup, disp.Materializer(), a.channel())
	e := server.New(h, reg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("[serve] listening", "addr", cfg.HTTP.Addr)
		if err := e.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newSpawner selects process or goroutine isolation.
func newSpawner(cfg *config.Config, execute supervisor.ExecuteFunc) (supervisor.Spawner, error) {
	if cfg.Supervisor.Isolation == "goroutine" {
		return &supervisor.GoroutineSpawner{Execute: execute}, nil
	}
	var args []string
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return supervisor.NewProcessSpawner(args...)
}

// watchConfig applies slot and log level changes from the active config file.
func watchConfig(sup *supervisor.Supervisor) {
	path := configPath
	if path == "" {
		path = config.GetProjectConfigPath()
	}
	if path == "" {
		if _, err := os.Stat(config.GetUserConfigPath()); err == nil {
			path = config.GetUserConfigPath()
		}
	}
	if path == "" {
		return
	}
	err := config.Watch(path, func(c *config.Config) {
		logger.SetLevel(c.Log.Level)
		sup.Resize(c.Supervisor.Slots)
	}, func(err error) {
		logger.Warn("[serve] ignoring invalid config change", "path", path, "error", err)
	})
	if err != nil {
		logger.Warn("[serve] config watch unavailable", "path", path, "error", err)
	}
}
