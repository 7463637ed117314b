// Command kotoba-backend is the desktop transcription service's backend
// orchestration core: a loopback-only HTTP+WebSocket API driving
// single-file, batch, realtime-streaming, and folder-watch transcription
// jobs. See router.New for the route table and authtoken.Manager for the
// bearer-token contract printed on startup.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kotoba-transcriber/backend/authtoken"
	"github.com/kotoba-transcriber/backend/collaborator"
	"github.com/kotoba-transcriber/backend/config"
	"github.com/kotoba-transcriber/backend/enginebridge"
	"github.com/kotoba-transcriber/backend/eventbus"
	"github.com/kotoba-transcriber/backend/history/sqlite"
	"github.com/kotoba-transcriber/backend/router"
	"github.com/kotoba-transcriber/backend/worker"
	"github.com/kotoba-transcriber/backend/wsconn"
)

const (
	defaultTTLMinutes = 60
	defaultGrace      = 5 * time.Minute
	ringBufferBytes   = 60 * 16000 * 4 // 60s @ 16kHz mono float32 — logged at startup, §5 resource bounds
)

func main() {
	log := newLogger()
	defer log.Sync() //nolint:errcheck

	confDir := env("KOTOBA_CONF_DIR", defaultConfDir())
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		log.Fatalw("cannot create config directory", "dir", confDir, "error", err)
	}

	engineCfg, err := config.LoadEngine(confDir)
	if err != nil {
		log.Fatalw("config.yaml", "error", err)
	}
	settings, err := config.LoadSettings(confDir)
	if err != nil {
		log.Fatalw("app_settings.json", "error", err)
	}

	hist, err := sqlite.Open(filepath.Join(confDir, "history.db"))
	if err != nil {
		log.Fatalw("job history store", "error", err)
	}
	defer hist.Close()

	ttlMinutes := envInt("KOTOBA_TOKEN_TTL_MINUTES", defaultTTLMinutes)
	auth := authtoken.New(time.Duration(ttlMinutes)*time.Minute, defaultGrace)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New(log.Named("eventbus").Sugar())
	scheduler := eventbus.NewRunScheduler(ctx)
	bus.SetScheduler(scheduler)
	if !bus.HasScheduler() {
		log.Fatal("event bus has no scheduler")
	}

	engineURL := env("KOTOBA_ENGINE_URL", "ws://127.0.0.1:8765/ws")
	engineClient := enginebridge.New(engineURL, "default", log.Named("enginebridge").Sugar())
	go engineClient.Run(ctx)

	engines := collaborator.NewRegistry(collaborator.RegistryOptions{
		Engines: map[string]collaborator.Engine{"default": engineClient},
	})

	app := router.NewApp()
	app.Auth = auth
	app.Bus = bus
	app.Conns = wsconn.New()
	app.Workers = worker.NewRegistry()
	app.Engines = engines
	app.History = hist
	app.Settings = settings
	app.Engine = engineCfg
	app.Log = log.Named("http").Sugar()
	app.AllowedRoots = allowedRoots()
	app.DevMode = env("KOTOBA_DEV", "0") == "1"

	runID := uuid.New().String()
	log.Sugar().Infow("starting kotoba backend",
		"run_id", runID,
		"conf_dir", confDir,
		"ring_buffer", humanize.Bytes(uint64(ringBufferBytes)),
		"ws_subscriber_queue_cap", eventbus.Q,
		"ws_connection_cap", wsconn.M,
	)

	requestedPort := env("KOTOBA_PORT", "0")
	listener, err := net.Listen("tcp", "127.0.0.1:"+requestedPort)
	if err != nil {
		log.Fatalw("bind failed", "error", err)
	}
	actualPort := listener.Addr().(*net.TCPAddr).Port

	srv := &http.Server{Handler: router.New(app)}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()

	// Startup contract (§6): exactly one line of JSON on stdout, then flush.
	startup, _ := json.Marshal(map[string]any{
		"port":  actualPort,
		"host":  "127.0.0.1",
		"token": auth.CurrentToken(),
	})
	fmt.Println(string(startup))
	os.Stdout.Sync() //nolint:errcheck

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Sugar().Info("received termination signal, shutting down")
	case <-app.Done():
		log.Sugar().Info("shutdown requested via API")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Sugar().Errorw("http server exited unexpectedly", "error", err)
		}
	}

	cancel() // stop the engine bridge and the scheduler

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	app.Shutdown(shutdownCtx)

	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpShutdownCancel()
	if err := srv.Shutdown(httpShutdownCtx); err != nil {
		log.Sugar().Warnw("http server did not shut down cleanly", "error", err)
	}
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	log, err := cfg.Build()
	if err != nil {
		// Falling back to a no-op logger would hide every subsequent log
		// line; a broken logging pipeline at startup is as fatal as a
		// failed bind.
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	return log
}

func defaultConfDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kotoba"
	}
	return filepath.Join(home, ".kotoba")
}

// allowedRoots bounds client-supplied file paths to the user's home
// directory and the process's working directory (§6 file-path security).
func allowedRoots() []string {
	roots := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, home)
	}
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}
	return roots
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
