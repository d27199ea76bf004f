package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"

	"github.com/bkalafat/tskulis-sub000/pkg/asyncdata"
	"github.com/bkalafat/tskulis-sub000/pkg/config"
	"github.com/bkalafat/tskulis-sub000/pkg/newsapi"
	"github.com/bkalafat/tskulis-sub000/pkg/offline"
	"github.com/bkalafat/tskulis-sub000/pkg/state"
	"github.com/bkalafat/tskulis-sub000/pkg/store"
	"github.com/bkalafat/tskulis-sub000/pkg/telemetry"
	"github.com/bkalafat/tskulis-sub000/server"
)

// Opts with all CLI options
type Opts struct {
	Config string `short:"c" long:"config" env:"CONFIG" default:"config.yml" description:"config file path"`
	Listen string `short:"l" long:"listen" env:"LISTEN" description:"listen address, overrides config"`

	// Common options
	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `short:"V" long:"version" description:"show version info"`
	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable color output"`
}

var revision = "unknown"

func main() {
	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	setupLog(opts.Debug, opts.NoColor)

	log.Printf("[INFO] starting tskulis version %s", revision)

	ctx, cancel := context.WithCancel(context.Background())

	// handle termination signals
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Print("[INFO] termination signal received")
		cancel()
	}()

	if err := run(ctx, opts); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}

	log.Print("[INFO] shutdown complete")
}

// run wires the subsystems together and blocks until the server exits
func run(ctx context.Context, opts Opts) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}

	// durable storage shared by all subsystems, one namespace each
	st, err := store.New(ctx, store.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if e := st.Close(); e != nil {
			log.Printf("[WARN] store close: %v", e)
		}
	}()

	// state container, restores the persisted preferences subset
	states := state.NewContainer(st.Namespace("state"))
	states.LoadPersisted(ctx)

	api, err := newsapi.New(newsapi.Config{
		BaseURL:   cfg.Backend.URL,
		Timeout:   cfg.Backend.Timeout,
		UserAgent: cfg.Backend.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("create backend client: %w", err)
	}

	data := asyncdata.New(asyncdata.Config{
		StaleTime:      cfg.Cache.StaleTime,
		CacheTime:      cfg.Cache.CacheTime,
		RetryCount:     cfg.Cache.RetryCount,
		RetryDelay:     cfg.Cache.RetryDelay,
		AttemptTimeout: cfg.Cache.AttemptTimeout,
		SweepInterval:  cfg.Cache.SweepInterval,
	})
	data.Start(ctx)
	defer data.Stop()

	queue := offline.New(st.Namespace("offline-queue"), api, offline.Config{
		DrainInterval: cfg.Offline.DrainInterval,
		MaxRetries:    cfg.Offline.MaxRetries,
	})
	queue.Start(ctx)
	defer queue.Stop()

	reporter := telemetry.New(telemetry.Config{
		Endpoint:         cfg.Telemetry.Endpoint,
		BatchSize:        cfg.Telemetry.BatchSize,
		FlushInterval:    cfg.Telemetry.FlushInterval,
		MaxRetries:       cfg.Telemetry.MaxRetries,
		RetryDelay:       cfg.Telemetry.RetryDelay,
		MaxStoredBatches: cfg.Telemetry.MaxStoredBatches,
		IgnoreMessages:   cfg.Telemetry.IgnoreMessages,
		IgnoreURLs:       cfg.Telemetry.IgnoreURLs,
		AppVersion:       revision,
	}, st.Namespace("telemetry"))
	reporter.Start(ctx)
	defer reporter.Stop()
	reporter.RetryStoredBatches(ctx) // pick up batches left over from the previous session

	// exhausted offline requests surface as notifications and error reports
	queue.TerminalFailures().Subscribe(func(f offline.TerminalFailure) {
		reporter.ReportError(telemetry.ErrorReport{
			Message: fmt.Sprintf("offline request %s %s dropped: %s", f.Request.Method, f.Request.URL, f.Err),
			URL:     f.Request.URL,
			Level:   telemetry.LevelSection,
		})
		states.Dispatch(state.NotificationPushed{Notification: state.Notification{
			ID:        uuid.New().String(),
			Level:     "error",
			Message:   "İstek gönderilemedi: " + f.Request.URL,
			CreatedAt: time.Now(),
		}})
	})

	// connectivity transitions drive the queue and the state tree
	monitor := offline.NewMonitor(offline.MonitorConfig{
		ProbeURL: cfg.Offline.ProbeURL,
		Interval: cfg.Offline.ProbeInterval,
	})
	monitor.Changes().Subscribe(func(online bool) {
		queue.SetOnline(online)
		status := state.NetworkOffline
		if online {
			status = state.NetworkOnline
			go reporter.RetryStoredBatches(ctx)
		}
		states.Dispatch(state.NetworkChanged{Status: status})
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	go statsLoop(ctx, data, states)

	srv := server.New(cfg, api, data, queue, reporter, states, revision, opts.Debug)
	err = srv.Run(ctx)

	// make sure the last preference write lands before the store closes
	defer states.Wait()

	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// statsLoop feeds cache counters into the state tree for the status view
func statsLoop(ctx context.Context, data *asyncdata.Layer, states *state.Container) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := data.Stats()
			states.Dispatch(state.CacheStatsUpdated{Hits: stats.Hits, Misses: stats.Misses})
		}
	}
}

func setupLog(dbg, noColor bool, secs ...string) {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(io.Discard)}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	if !noColor {
		colorizer := lgr.Mapper{
			ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
			WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
			InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
			DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
			CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
			TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
		}
		logOpts = append(logOpts, lgr.Map(colorizer))
	}
	if len(secs) > 0 {
		logOpts = append(logOpts, lgr.Secret(secs...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
