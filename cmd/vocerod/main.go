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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/vocero/internal/appstate"
	"github.com/gaspardpetit/vocero/internal/backend"
	"github.com/gaspardpetit/vocero/internal/bootstrap"
	"github.com/gaspardpetit/vocero/internal/bridge"
	"github.com/gaspardpetit/vocero/internal/config"
	"github.com/gaspardpetit/vocero/internal/history"
	"github.com/gaspardpetit/vocero/internal/logx"
	"github.com/gaspardpetit/vocero/internal/metrics"
	"github.com/gaspardpetit/vocero/internal/server"
	"github.com/gaspardpetit/vocero/internal/supervisor"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.Config
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "vocerod version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("vocerod version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	if cfg.LogFile != "" {
		logx.ConfigureFile(cfg.LogLevel, cfg.LogFile)
	} else {
		logx.Configure(cfg.LogLevel)
	}
	if err := cfg.EnsureDirs(); err != nil {
		logx.Log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("prepare data directory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := appstate.New()
	st.SetBuildInfo(version, buildSHA, buildDate)
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	hist := history.New(cfg.HistoryPath())
	hub := server.NewHub(st)

	eng := bridge.New(bridge.Timeouts{Ping: cfg.PingTimeout, Call: cfg.CallTimeout, Generate: cfg.GenerateTimeout})
	eng.SetObserver(func(ev bridge.Event) {
		switch ev.Type {
		case bridge.EventReady:
			st.SetBackendReady(ev.Version)
		case bridge.EventProgress:
			if ev.Progress != nil {
				st.SetProgress(ev.Progress)
				hub.PublishProgress(*ev.Progress)
			}
		}
	})
	fac := backend.New(eng, hist)

	ffmpeg := cfg.ResolveFFmpeg()
	if ffmpeg == "" {
		logx.Log.Warn().Msg("ffmpeg not found; voice enrollment and audio conversion will be degraded")
	}
	sup := supervisor.New(eng, supervisor.Options{
		FFmpegPath: ffmpeg,
		StopGrace:  cfg.StopGrace,
		OnExit: func(info supervisor.ExitInfo) {
			st.SetBackendRunning(false)
			if info.Stopped {
				st.SetBackendExit("stopped")
			} else {
				st.SetBackendExit(fmt.Sprintf("crashed (code %d)", info.Code))
			}
		},
	})

	boot := bootstrap.New(bootstrap.Options{
		VenvDir:          cfg.VenvDir(),
		VenvPython:       cfg.VenvPython(),
		FingerprintPath:  cfg.FingerprintPath(),
		RequirementsFile: cfg.RequirementsFile,
		WheelsDir:        cfg.WheelsDir,
		BundledRuntime:   cfg.BundledRuntime,
		OnState:          st.SetEnvState,
	})

	startBackend := func(callCtx context.Context) error {
		env := boot.Current()
		if !env.IsReady() {
			return errors.New("environment is not ready")
		}
		runtimePath := env.RuntimePath
		if runtimePath == "" {
			runtimePath = cfg.VenvPython()
		}
		if err := sup.Start(runtimePath, cfg.BackendScript); err != nil {
			return err
		}
		st.SetBackendRunning(true)
		// The backend announces readiness on its own; init can be queued
		// right away since stdin is read once its loop starts.
		go func() {
			initCtx, cancel := context.WithTimeout(context.Background(), cfg.GenerateTimeout)
			defer cancel()
			if _, err := fac.Init(initCtx, cfg.DataDir); err != nil {
				logx.Log.Error().Err(err).Msg("backend init failed")
				return
			}
			logx.Log.Info().Str("dir", cfg.DataDir).Msg("backend initialized")
		}()
		return nil
	}

	go func() {
		env := boot.Run(ctx)
		if env.IsReady() && cfg.AutoStart {
			if err := startBackend(ctx); err != nil {
				logx.Log.Error().Err(err).Msg("auto start backend")
			}
		}
	}()

	handler := server.New(server.Deps{
		State:          st,
		Backend:        fac,
		History:        hist,
		Events:         hub,
		Gatherer:       reg,
		OutputsDir:     cfg.OutputsDir(),
		StartBackend:   startBackend,
		StopBackend:    sup.Stop,
		RetryBootstrap: func() { go boot.Run(ctx) },
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: generation calls legitimately run for minutes.
	}

	go func() {
		<-ctx.Done()
		logx.Log.Info().Msg("shutting down")
		sup.Stop()
		hub.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			// Streaming handlers may outlive the deadline; drop them.
			_ = srv.Close()
		}
	}()

	logx.Log.Info().Str("addr", cfg.ListenAddr).Str("version", version).Msg("control plane starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
