package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/cdp_bridge/internal/api"
	"github.com/dgnsrekt/cdp_bridge/internal/browser"
	"github.com/dgnsrekt/cdp_bridge/internal/cdp"
	"github.com/dgnsrekt/cdp_bridge/internal/config"
	"github.com/dgnsrekt/cdp_bridge/internal/netutil"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("bridge config loaded",
		"cdp_url", cfg.GetCDPURL(),
		"pool_size", cfg.PoolSize,
		"bind_addr", cfg.BindAddr,
		"auto_reconnect", cfg.AutoReconnect,
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx := context.Background()

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.ProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.BindFallbacks)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	factory := func() *cdp.Client {
		return cdp.NewClient(cdp.NewTransport(cfg.CDPAddress, cfg.CDPPort), cdp.ClientOptions{
			AutoReconnect:   cfg.AutoReconnect,
			DefaultTimeout:  time.Duration(cfg.CommandTimeoutSec * float64(time.Second)),
			EventBufferSize: cfg.EventBufferSize,
			EventQueueSize:  cfg.EventQueueSize,
		})
	}
	pool := cdp.NewPool(ctx, cfg.PoolSize, factory)
	defer pool.Shutdown()

	h := api.NewServer(pool, api.Options{
		AcquireTimeout: time.Duration(cfg.AcquireTimeoutSec * float64(time.Second)),
		CommandTimeout: time.Duration(cfg.CommandTimeoutSec * float64(time.Second)),
	})

	srv := &http.Server{Addr: bindAddr, Handler: h}

	go func() {
		slog.Info("bridge listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("bridge server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("bridge shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
