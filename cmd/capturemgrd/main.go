// SPDX-License-Identifier: MIT

// Command capturemgrd is the capture-manager daemon of SPEC_FULL.md: it
// owns the Instance Supervisor, the HDMI Signal Monitor/Event Manager, the
// auto-instance Controller, and exposes all of them through the bus
// façade and the health/metrics HTTP endpoint. No socket/RPC transport is
// started here — SPEC_FULL.md §6 scopes the bus's external transport
// binding out of core scope, so the façade is consumed in-process only
// (today, by the optional interactive menu).
//
// Usage:
//
//	capturemgrd [options]
//
// Options:
//
//	--config=PATH   Path to config file (default: /etc/capturemgrd/config.yaml)
//	--menu          Run the interactive management menu instead of the daemon loop
//	--log-level=LEVEL  Log level: debug, info, warn, error (default: info)
//	--help          Show this help message
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tomtom215/capturemgrd/internal/auto"
	"github.com/tomtom215/capturemgrd/internal/bus"
	"github.com/tomtom215/capturemgrd/internal/config"
	"github.com/tomtom215/capturemgrd/internal/discovery"
	"github.com/tomtom215/capturemgrd/internal/eventmgr"
	"github.com/tomtom215/capturemgrd/internal/health"
	"github.com/tomtom215/capturemgrd/internal/instance"
	"github.com/tomtom215/capturemgrd/internal/lock"
	"github.com/tomtom215/capturemgrd/internal/menu"
	"github.com/tomtom215/capturemgrd/internal/signalmon"
	"github.com/tomtom215/capturemgrd/internal/store"
	"github.com/tomtom215/capturemgrd/internal/supervisor"
)

// Build information, set by ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	configPath = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	runMenu    = flag.Bool("menu", false, "Run the interactive management menu")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	logger := newLogger(*logLevel)
	logger.Info("capturemgrd starting", "version", Version, "commit", Commit)

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	lockPath := filepath.Join(cfg.StateRoot, "capturemgrd.lock")
	fl, err := lock.NewFileLock(lockPath)
	if err != nil {
		logger.Error("failed to prepare lock file", "path", lockPath, "error", err)
		os.Exit(1)
	}
	if err := fl.Acquire(lock.DefaultAcquireTimeout); err != nil {
		logger.Error("another capturemgrd instance appears to be running", "lock", lockPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := fl.Release(); err != nil {
			logger.Warn("failed to release lock file", "error", err)
		}
	}()

	st, err := store.New(cfg.StateRoot, store.WithLogger(logger))
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}

	sup, err := supervisor.New(st,
		supervisor.WithLogger(logger),
		supervisor.WithLauncher(cfg.Supervisor.Launcher),
		supervisor.WithStopGrace(cfg.Supervisor.StopGrace),
	)
	if err != nil {
		logger.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}
	defer sup.Close()

	controller := auto.New(sup, st, auto.WithLogger(logger))
	if _, ok := controller.Config(); !ok {
		seed := instance.DefaultAutoConfig()
		seed.GopIntervalSeconds = cfg.Auto.GopIntervalSeconds
		seed.BitrateKbps = cfg.Auto.BitrateKbps
		seed.SrtPort = cfg.Auto.SrtPort
		seed.AutostartOnReady = cfg.Auto.AutostartOnReady
		if _, err := controller.CreateOrUpdate(context.Background(), seed, nil); err != nil {
			logger.Warn("failed to seed auto-instance configuration", "error", err)
		}
	}

	facade := bus.New(sup, st, controller,
		bus.WithLogger(logger),
		bus.WithDiscovery(discovery.NewDefault()),
	)

	rxProvider := signalmon.NewDefaultProvider(signalmon.NativeProvider{}, logger)
	em := eventmgr.New(rxProvider, signalmon.NativeTxReader{}.Read, controller, sup,
		eventmgr.WithLogger(logger),
		eventmgr.WithSignalSink(func(name string, payload any) { facade.Emit(name, payload) }),
		eventmgr.WithRXPollIntervals(
			secondsToDuration(cfg.Signal.PollNoSignalSeconds),
			secondsToDuration(cfg.Signal.PollSignalActiveSeconds),
			time.Duration(cfg.Signal.PollStabilityMillis)*time.Millisecond,
		),
	)
	facade.AttachEventManager(em)
	defer em.Stop()

	if *runMenu {
		if err := menu.CreateMainMenu(facade).Display(); err != nil {
			logger.Error("menu exited with error", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	healthHandler := health.NewHandler(&daemonHealth{sup: sup}).WithSystemInfo(&daemonHealth{sup: sup})
	healthSrv := &http.Server{
		Addr:              cfg.Health.Addr,
		Handler:           healthHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("health endpoint listening", "addr", cfg.Health.Addr)
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Supervisor.StopGrace+5*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	sup.StopAll(shutdownCtx)

	logger.Info("capturemgrd shutdown complete")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// loadConfiguration loads the config file, falling back to built-in
// defaults if it doesn't exist yet, matching lyrebird-stream's own
// stat-then-load-or-default startup idiom.
func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

// daemonHealth adapts the Supervisor's instance table and local system
// state to the health package's StatusProvider/SystemInfoProvider
// interfaces. The disk-space and time-sync checks are the same
// syscall.Statfs/timedatectl idiom internal/diagnostics uses for its own
// "Disk Space" and "Time Sync" checks, narrowed here to the always-on
// health endpoint rather than the on-demand diagnostics report.
type daemonHealth struct {
	sup *supervisor.Supervisor
}

func (d *daemonHealth) Instances() []health.InstanceHealth {
	instances := d.sup.List()
	out := make([]health.InstanceHealth, 0, len(instances))
	for _, inst := range instances {
		var uptime time.Duration
		if !inst.UptimeStart.IsZero() {
			uptime = time.Since(inst.UptimeStart)
		}
		out = append(out, health.InstanceHealth{
			ID:       inst.ID,
			Name:     inst.Name,
			State:    string(inst.Status),
			Uptime:   uptime,
			Healthy:  inst.Status != instance.StatusError,
			Error:    inst.ErrorMessage,
			Restarts: inst.RetryCount,
		})
	}
	return out
}

func (d *daemonHealth) SystemInfo() health.SystemInfo {
	var stat syscall.Statfs_t
	var si health.SystemInfo
	if err := syscall.Statfs("/", &stat); err == nil {
		// #nosec G115 -- Bsize is always positive on Linux filesystems
		si.DiskFreeBytes = stat.Bavail * uint64(stat.Bsize)
		// #nosec G115 -- Bsize is always positive on Linux filesystems
		si.DiskTotalBytes = stat.Blocks * uint64(stat.Bsize)
		if si.DiskTotalBytes > 0 {
			usedPercent := 100.0 - (float64(si.DiskFreeBytes)/float64(si.DiskTotalBytes))*100.0
			si.DiskLowWarning = usedPercent > 90.0
		}
	}

	si.NTPSynced = true
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "timedatectl", "status").Output(); err == nil {
		si.NTPSynced = strings.Contains(string(out), "synchronized: yes")
		if !si.NTPSynced {
			si.NTPMessage = "system time may not be synchronized"
		}
	}
	return si
}

func printUsage() {
	fmt.Println("capturemgrd - HDMI capture instance manager")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: capturemgrd [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
}
