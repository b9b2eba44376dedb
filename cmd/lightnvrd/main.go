// Package main provides the recording core's entry point: it wires
// configuration, the embedded event bus and index database, the ingest
// supervisor, and the retention sweeper, then blocks until an operator
// signal requests shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lightnvr/lightnvr/internal/config"
	"github.com/lightnvr/lightnvr/internal/database"
	"github.com/lightnvr/lightnvr/internal/eventbus"
	"github.com/lightnvr/lightnvr/internal/ingest"
	"github.com/lightnvr/lightnvr/internal/lnvrerr"
	"github.com/lightnvr/lightnvr/internal/logging"
	"github.com/lightnvr/lightnvr/internal/motionbuffer"
	"github.com/lightnvr/lightnvr/internal/recordingindex"
	"github.com/lightnvr/lightnvr/internal/retention"
	"github.com/lightnvr/lightnvr/internal/streaming"
)

const defaultDataPath = "/data"

func main() {
	os.Exit(run())
}

// run returns a process exit code rather than calling os.Exit directly so
// deferred cleanup always executes before the process actually exits.
func run() int {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logBuffer := logging.GetLogBuffer()
	handler := logging.NewStreamHandler(logBuffer, os.Stdout, logLevel)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	dataPath := getEnv("DATA_PATH", defaultDataPath)
	recordingsPath := getEnv("RECORDINGS_PATH", filepath.Join(dataPath, "recordings"))
	configPath := findConfigFile(dataPath)

	logger.Info("starting lightnvr recording core", "data_path", dataPath, "config_path", configPath)

	for _, dir := range []string{dataPath, recordingsPath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Error("failed to create required directory", "dir", dir, "error", err)
			return lnvrerr.ExitBadDirectories
		}
	}

	if err := ensureConfigFile(configPath, recordingsPath); err != nil {
		logger.Error("failed to bootstrap configuration file", "error", err)
		return lnvrerr.ExitConfigInvalid
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return lnvrerr.ExitConfigInvalid
	}
	defer func() { _ = cfg.Close() }()

	if err := cfg.Watch(); err != nil {
		logger.Warn("config file watch unavailable, live reload disabled", "error", err)
	}

	dbCfg := database.DefaultConfig(dataPath)
	db, err := database.Open(dbCfg)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return lnvrerr.ExitDatabaseOpen
	}
	defer func() { _ = db.Close() }()

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		logger.Error("failed to run database migrations", "error", err)
		return lnvrerr.ExitDatabaseOpen
	}

	if err := db.IntegrityCheck(context.Background()); err != nil {
		logger.Error("database integrity check failed", "error", err)
		return lnvrerr.ExitDatabaseOpen
	}

	bus, err := eventbus.New(eventbus.DefaultConfig(), logger)
	if err != nil {
		logger.Error("failed to start event bus", "error", err)
		return lnvrerr.ExitPortInUse
	}
	defer bus.Stop()

	index := recordingindex.New(db, bus, logger)
	reconcileCtx, reconcileCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	stats, err := index.Reconcile(reconcileCtx, recordingsPath)
	reconcileCancel()
	if err != nil {
		logger.Error("startup reconciliation failed", "error", err)
	} else {
		logger.Info("startup reconciliation complete", "orphans_adopted", stats.OrphansAdopted, "orphans_corrupt", stats.OrphansCorrupt, "rows_marked_lost", stats.RowsMarkedLost)
	}

	pool := motionbuffer.NewPool(cfg.Snapshot().MotionBuffer.PoolBudgetBytes)

	supervisor := ingest.New(ingest.Config{
		Index:         index,
		Bus:           bus,
		Pool:          pool,
		RecordingsDir: recordingsPath,
	}, logger)

	applyStreamConfig(supervisor, cfg.Snapshot().Streams, logger)
	cfg.OnChange(func(root *config.Root) {
		applyStreamConfig(supervisor, root.Streams, logger)
	})

	relay := startGo2RTC(dataPath, cfg.Snapshot().Streams, bus, logger)
	if relay != nil {
		defer func() { _ = relay.Stop() }()
	}

	gc := retention.New(cfg, index, bus, supervisor.ActiveSegmentID, nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	gc.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, draining streams")
	cancel()
	gc.Stop()
	supervisor.Stop()
	logger.Info("lightnvr recording core stopped")
	return 0
}

// applyStreamConfig reconciles the supervisor's live registry against root:
// new streams are added, removed streams are torn down, and an enabled flag
// flip starts or stops the existing worker in place. Called once at startup
// and again on every config.OnChange, so stream edits take effect without a
// restart.
func applyStreamConfig(supervisor *ingest.Supervisor, streams []config.Stream, logger *slog.Logger) {
	want := make(map[string]config.Stream, len(streams))
	for _, s := range streams {
		want[s.Name] = s
	}

	have := make(map[string]bool)
	for _, w := range supervisor.ListWorkers() {
		have[w.Name] = true
	}

	for name := range have {
		if _, ok := want[name]; !ok {
			if err := supervisor.RemoveStream(name); err != nil {
				logger.Warn("failed to remove stream no longer in config", "stream", name, "error", err)
			}
		}
	}

	for name, s := range want {
		if !have[name] {
			if err := supervisor.AddStream(s); err != nil {
				logger.Warn("failed to add configured stream", "stream", name, "error", err)
			}
			continue
		}
		if err := supervisor.SetEnabled(name, s.Enabled); err != nil {
			logger.Warn("failed to apply enabled flag", "stream", name, "error", err)
		}
	}
}

// startGo2RTC generates a go2rtc relay configuration for live WebRTC/RTSP
// viewing of the configured streams and starts the external helper process
// if its binary is available. go2rtc is an out-of-core collaborator (spec's
// recording pipeline does not depend on it running), so a missing binary is
// logged and skipped rather than treated as a startup failure.
func startGo2RTC(dataPath string, streams []config.Stream, bus *eventbus.EventBus, logger *slog.Logger) *streaming.Go2RTCManager {
	hasRelayStream := false
	for _, s := range streams {
		if s.StreamingEnabled {
			hasRelayStream = true
			break
		}
	}
	if !hasRelayStream {
		return nil
	}

	go2rtcConfigPath := filepath.Join(dataPath, "go2rtc.yaml")
	gen := streaming.NewConfigGenerator()
	if err := gen.WriteToFile(gen.Generate(streams), go2rtcConfigPath); err != nil {
		logger.Warn("failed to write go2rtc config, live relay disabled", "error", err)
		return nil
	}

	mgr := streaming.NewGo2RTCManager(go2rtcConfigPath, "").WithEventBus(bus)
	if err := mgr.Start(context.Background()); err != nil {
		logger.Warn("go2rtc binary unavailable, live relay disabled", "error", err)
		return nil
	}
	logger.Info("go2rtc relay started", "api_url", mgr.APIURL())
	return mgr
}

// ensureConfigFile writes a minimal valid document to path if nothing is
// there yet, so a fresh install has something for config.Load to read
// instead of failing on first boot.
func ensureConfigFile(path, recordingsPath string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	body := fmt.Sprintf("version: \"1.0\"\nstreams: []\nstorage:\n  recordings_path: %q\n", recordingsPath)
	return os.WriteFile(path, []byte(body), 0644)
}

// findConfigFile resolves the on-disk config path: CONFIG_PATH always wins
// when set (the conventional way to configure this in a container), falling
// back to a handful of common locations and finally dataPath/config.yaml.
func findConfigFile(dataPath string) string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			slog.Warn("failed to create config directory", "dir", filepath.Dir(p), "error", err)
		}
		return p
	}

	locations := []string{
		"/config/config.yaml",
		filepath.Join(dataPath, "config.yaml"),
		"./config/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	fallback := filepath.Join(dataPath, "config.yaml")
	if err := os.MkdirAll(filepath.Dir(fallback), 0755); err != nil {
		slog.Warn("failed to create config directory", "dir", filepath.Dir(fallback), "error", err)
	}
	return fallback
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
