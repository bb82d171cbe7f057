// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/otaku840726/streamlink-webrecorder/internal/api"
	"github.com/otaku840726/streamlink-webrecorder/internal/config"
	"github.com/otaku840726/streamlink-webrecorder/internal/hlsmirror"
	"github.com/otaku840726/streamlink-webrecorder/internal/joblog"
	"github.com/otaku840726/streamlink-webrecorder/internal/recorder"
	"github.com/otaku840726/streamlink-webrecorder/internal/registry"
	"github.com/otaku840726/streamlink-webrecorder/internal/remux"
	"github.com/otaku840726/streamlink-webrecorder/internal/resolver"
	"github.com/otaku840726/streamlink-webrecorder/internal/scheduler"
	"github.com/otaku840726/streamlink-webrecorder/internal/transcode"

	xlog "github.com/otaku840726/streamlink-webrecorder/internal/log"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	xlog.Configure(xlog.Config{
		Level:   cfg.LogLevel,
		Service: "webrecorder",
	})
	logger := xlog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	for _, dir := range []string{cfg.DataDir, cfg.RecordingsDir, cfg.HLSDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal().Err(err).Str("dir", dir).Msg("create directory")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := registry.NewStore(cfg.DataDir)
	if err := store.Load(); err != nil {
		logger.Fatal().Err(err).Str("path", store.Path()).Msg("load job registry")
	}

	logs := joblog.NewStore(cfg.DataDir)
	done := recorder.NewDoneSet(cfg.DataDir)
	resolvers := resolver.NewRegistry()

	engine := transcode.NewEngine(
		transcode.NewFFmpegExec(cfg.FFmpegBin),
		func(jobID, event, msg string) { logs.Append(jobID, event, msg) },
	)

	sup := recorder.NewSupervisor(recorder.Config{
		CaptureBin:    cfg.StreamlinkBin,
		RecordingsDir: cfg.RecordingsDir,
		StopGrace:     cfg.StopGrace,
		MaxConcurrent: cfg.MaxConcurrentRecordings,
	}, resolvers, logs, done, engine)

	sched := scheduler.New(sup.Trigger)
	mirror := hlsmirror.NewManager(hlsmirror.Config{
		CaptureBin:  cfg.StreamlinkBin,
		PackagerBin: cfg.FFmpegBin,
		HLSDir:      cfg.HLSDir,
		StopGrace:   cfg.StopGrace,
	}, logs)
	gateway := remux.NewGateway(cfg.FFmpegBin)

	srv := api.New(api.Config{
		HLSDir:       cfg.HLSDir,
		RateLimitRPS: cfg.RateLimitRPS,
	}, store, sched, sup, engine, mirror, gateway, logs, done)

	jobs := store.List()
	sched.Sync(jobs)
	for _, job := range jobs {
		if job.HLS {
			if err := mirror.Start(context.Background(), job); err != nil {
				logger.Warn().Err(err).Str("job_id", job.ID).Msg("start hls mirror at boot")
			}
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("version", version).
		Str("listen", cfg.Listen).
		Int("jobs", len(jobs)).
		Msg("daemon starting")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Timers follow edits made to tasks.json outside the API.
	g.Go(func() error {
		if err := store.Watch(gctx, func(jobs []registry.Job) {
			logger.Info().Int("jobs", len(jobs)).Msg("registry changed on disk, rebuilding timers")
			sched.Sync(jobs)
		}); err != nil {
			logger.Warn().Err(err).Msg("registry watch unavailable")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Orderly teardown: cancel the timers first so no new tick starts, then
	// terminate the children gracefully. In-flight triggers unblock once
	// their capture exits, which lets Shutdown join the timer loops.
	sched.Stop()
	sup.StopAll(cfg.StopGrace)
	mirror.StopAll()
	sched.Shutdown()

	if err != nil {
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("daemon stopped")
}
