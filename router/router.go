// Package router registers all HTTP endpoints using vanilla net/http (Go 1.22+ mux)
// plus the /ws WebSocket upgrade path.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kotoba-transcriber/backend/authtoken"
	"github.com/kotoba-transcriber/backend/batch"
	"github.com/kotoba-transcriber/backend/collaborator"
	"github.com/kotoba-transcriber/backend/config"
	"github.com/kotoba-transcriber/backend/eventbus"
	"github.com/kotoba-transcriber/backend/history"
	"github.com/kotoba-transcriber/backend/monitor"
	"github.com/kotoba-transcriber/backend/realtime"
	"github.com/kotoba-transcriber/backend/transcribe"
	"github.com/kotoba-transcriber/backend/worker"
	"github.com/kotoba-transcriber/backend/wsconn"
)

// Version is reported by GET /api/health. Overridden at build time via
// -ldflags "-X github.com/kotoba-transcriber/backend/router.Version=...".
var Version = "dev"

// publicPaths bypasses the bearer-auth middleware. /api/docs, /api/openapi.json
// and /api/redoc are only mounted at all when App.DevMode is set.
var publicPaths = map[string]bool{
	"/api/health":       true,
	"/api/docs":         true,
	"/api/openapi.json": true,
	"/api/redoc":        true,
}

// App bundles every core component the HTTP/WS surface dispatches into.
// One App is constructed at startup and is safe for concurrent handler use —
// each field is independently synchronized by its own package.
type App struct {
	Auth     *authtoken.Manager
	Bus      *eventbus.Bus
	Conns    *wsconn.Manager
	Workers  *worker.Registry
	Engines  *collaborator.Registry
	History  history.Store
	Settings *config.Settings
	Engine   config.Engine
	Log      *zap.SugaredLogger

	// AllowedRoots bounds client-supplied file paths; a path must resolve
	// under one of these directories after normalization.
	AllowedRoots []string
	DevMode      bool

	mu          sync.Mutex
	shutdownCh  chan struct{}
	shuttingDown bool

	realtimeCancel      context.CancelFunc
	monitorCancel       context.CancelFunc
	batchCancel         context.CancelFunc
	transcriptionCancel context.CancelFunc
}

// NewApp allocates an App with its shutdown-signal channel ready. Callers
// set the exported fields (Auth, Bus, Conns, Workers, Engines, History,
// Settings, Engine, Log, AllowedRoots, DevMode) before passing it to New.
func NewApp() *App {
	return &App{shutdownCh: make(chan struct{})}
}

// Done returns a channel closed once POST /api/shutdown has been accepted,
// so the process's main run loop can drive the actual graceful teardown
// (worker cancellation, HTTP server Shutdown, event bus Shutdown) — the
// router layer only owns the "a shutdown was requested" signal.
func (a *App) Done() <-chan struct{} {
	return a.shutdownCh
}

// New builds the application HTTP handler: CORS, then bearer auth, wrapping
// the route table.
func New(app *App) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", app.health)
	mux.HandleFunc("POST /api/shutdown", app.shutdown)

	mux.HandleFunc("POST /api/transcribe", app.startTranscribe)
	mux.HandleFunc("POST /api/cancel-transcription", app.cancelTranscription)

	mux.HandleFunc("POST /api/batch-transcribe", app.startBatch)
	mux.HandleFunc("POST /api/cancel-batch", app.cancelBatch)

	mux.HandleFunc("POST /api/realtime/start", app.realtimeStart)
	mux.HandleFunc("POST /api/realtime/stop", app.realtimeStop)
	mux.HandleFunc("POST /api/realtime/pause", app.realtimePause)
	mux.HandleFunc("POST /api/realtime/resume", app.realtimeResume)
	mux.HandleFunc("GET /api/realtime/status", app.realtimeStatus)

	mux.HandleFunc("POST /api/monitor/start", app.monitorStart)
	mux.HandleFunc("POST /api/monitor/stop", app.monitorStop)
	mux.HandleFunc("GET /api/monitor/status", app.monitorStatus)
	mux.HandleFunc("POST /api/monitor/mark-processed", app.monitorMarkProcessed)

	mux.HandleFunc("POST /api/models/{engine}/load", app.modelLoad)
	mux.HandleFunc("POST /api/models/{engine}/unload", app.modelUnload)
	mux.HandleFunc("GET /api/models/{engine}/info", app.modelInfo)

	mux.HandleFunc("POST /api/format-text", app.formatText)
	mux.HandleFunc("POST /api/correct-text", app.correctText)
	mux.HandleFunc("POST /api/diarize", app.diarize)

	mux.HandleFunc("GET /api/settings", app.getSettings)
	mux.HandleFunc("PATCH /api/settings", app.patchSettings)
	mux.HandleFunc("GET /api/config", app.getEngineConfig)
	mux.HandleFunc("PATCH /api/config", app.patchEngineConfig)

	mux.HandleFunc("POST /api/export/{format}", app.export)

	mux.HandleFunc("GET /ws", app.serveWS)

	if app.DevMode {
		mux.HandleFunc("GET /api/docs", app.devPlaceholder)
		mux.HandleFunc("GET /api/openapi.json", app.devPlaceholder)
		mux.HandleFunc("GET /api/redoc", app.devPlaceholder)
	}

	return app.cors(app.authenticate(mux))
}

func (a *App) devPlaceholder(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "dev docs not bundled"})
}

// ---- middleware ----

func (a *App) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		rawHeader := r.Header.Get("Authorization")
		if rawHeader == "" {
			// Query-string token auth is deprecated but still accepted for
			// WebSocket upgrades that can't set a custom header.
			if r.URL.Path == "/ws" {
				if candidate := r.URL.Query().Get("token"); candidate != "" {
					if a.Auth.Verify(candidate) {
						next.ServeHTTP(w, r)
						return
					}
					writeError(w, http.StatusForbidden, "invalid bearer token")
					return
				}
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		candidate, ok := bearerFromHeader(rawHeader)
		if !ok {
			writeError(w, http.StatusForbidden, "malformed Authorization header")
			return
		}
		if !a.Auth.Verify(candidate) {
			writeError(w, http.StatusForbidden, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerFromHeader splits a present Authorization header into its token,
// reporting ok=false when the scheme isn't "Bearer " — distinct from a
// missing header entirely, which the caller handles before ever calling this.
func bearerFromHeader(header string) (token string, ok bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}

func (a *App) cors(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"kotoba-transcriber://app": true,
		"app://kotoba-transcriber": true,
		"http://localhost:5173":    true,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// decodeBody decodes r's JSON body into dst, writing a 422 response and
// returning false on any schema violation (spec.md:161/247 — malformed
// request bodies are 422, distinct from the 400s this surface otherwise
// uses for bad-but-well-formed input like an unsupported path or format).
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeCollaboratorError maps a collaborator.Category to its HTTP status
// per the fixed category table.
func writeCollaboratorError(w http.ResponseWriter, err error) {
	switch collaborator.CategoryOf(err) {
	case collaborator.CategoryValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case collaborator.CategoryNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case collaborator.CategoryAuth:
		writeError(w, http.StatusForbidden, err.Error())
	case collaborator.CategoryBusy:
		writeError(w, http.StatusConflict, err.Error())
	case collaborator.CategoryUnsupported:
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// validatePath resolves path under one of app.AllowedRoots, rejecting any
// traversal or out-of-root reference.
func (a *App) validatePath(path string) (string, error) {
	if path == "" {
		return "", collaborator.New(collaborator.CategoryValidation, "path is required")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", collaborator.New(collaborator.CategoryValidation, "invalid path")
	}
	if len(a.AllowedRoots) == 0 {
		return abs, nil
	}
	for _, root := range a.AllowedRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", collaborator.New(collaborator.CategoryValidation, "path is outside allowed roots")
}

// ---- health / shutdown ----

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	counts, _ := a.History.CountsByOutcome(r.Context())
	engines := make(map[string]bool)
	for _, name := range a.Engines.EngineNames() {
		engines[name] = a.Engines.Engine(name).IsLoaded()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        Version,
		"engines":        engines,
		"ws_connections": a.Conns.Count(),
		"job_counts":     counts,
	})
}

func (a *App) shutdown(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	if a.shuttingDown {
		a.mu.Unlock()
		writeError(w, http.StatusConflict, "shutdown already in progress")
		return
	}
	a.shuttingDown = true
	ch := a.shutdownCh
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	if ch != nil {
		close(ch)
	}
}

// Shutdown drives the graceful-teardown sequence from §4.9: cancel the
// transcription worker, cancel the batch worker (bounded join), stop the
// realtime worker, stop the folder monitor (bounded join), then shut down
// the Event Bus. The two join groups run concurrently since they are
// independent worker kinds; each join is itself bounded so a stuck worker
// never blocks process exit.
func (a *App) Shutdown(ctx context.Context) {
	a.mu.Lock()
	tCancel, bCancel, rCancel, mCancel := a.transcriptionCancel, a.batchCancel, a.realtimeCancel, a.monitorCancel
	a.mu.Unlock()

	g, _ := errgroup.WithContext(context.Background())

	g.Go(func() error {
		if tCancel != nil {
			tCancel()
		}
		waitNotLive(a.Workers, worker.KindTranscription, 5*time.Second)
		if bCancel != nil {
			bCancel()
		}
		if occ := a.Workers.Get(worker.KindBatch); occ != nil {
			if runner, ok := occ.(*batch.Runner); ok {
				runner.Cancel()
			}
		}
		waitNotLive(a.Workers, worker.KindBatch, batch.JoinTimeout)
		return nil
	})

	g.Go(func() error {
		if occ := a.Workers.Get(worker.KindRealtime); occ != nil {
			if rt, ok := occ.(*realtime.Worker); ok {
				rt.Stop()
			}
		}
		if rCancel != nil {
			rCancel()
		}
		if occ := a.Workers.Get(worker.KindFolderMonitor); occ != nil {
			if mon, ok := occ.(*monitor.Monitor); ok {
				mon.Stop()
			}
		}
		if mCancel != nil {
			mCancel()
		}
		waitNotLive(a.Workers, worker.KindFolderMonitor, 5*time.Second)
		return nil
	})

	done := make(chan struct{})
	go func() { _ = g.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		a.Log.Warnw("shutdown: worker join deadline exceeded, proceeding anyway")
	}

	a.Bus.Shutdown()
}

// waitNotLive polls the slot for kind until its occupant is no longer live
// or timeout elapses. Timeout is logged, never raised (§5 join semantics).
func waitNotLive(reg *worker.Registry, kind worker.Kind, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		occ := reg.Get(kind)
		if occ == nil || !occ.IsLive() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// ---- models ----

func (a *App) modelLoad(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("engine")
	eng := a.Engines.Engine(name)
	if eng == nil {
		writeError(w, http.StatusNotFound, "unknown engine "+name)
		return
	}
	if err := eng.EnsureLoaded(r.Context()); err != nil {
		writeCollaboratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "engine": name})
}

func (a *App) modelUnload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("engine")
	eng := a.Engines.Engine(name)
	if eng == nil {
		writeError(w, http.StatusNotFound, "unknown engine "+name)
		return
	}
	if err := eng.Unload(r.Context()); err != nil {
		writeCollaboratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded", "engine": name})
}

func (a *App) modelInfo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("engine")
	eng := a.Engines.Engine(name)
	if eng == nil {
		writeError(w, http.StatusBadRequest, "unknown engine "+name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"engine": name, "loaded": eng.IsLoaded()})
}

// ---- post-processing collaborators ----

func (a *App) formatText(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text             string `json:"text"`
		RemoveFillers    bool   `json:"remove_fillers"`
		AddPunctuation   bool   `json:"add_punctuation"`
		FormatParagraphs bool   `json:"format_paragraphs"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if a.Engines.Formatter() == nil {
		writeError(w, http.StatusNotImplemented, "no text formatter installed")
		return
	}
	out, err := a.Engines.Formatter().Format(r.Context(), body.Text, collaborator.FormatOptions{
		RemoveFillers: body.RemoveFillers, AddPunctuation: body.AddPunctuation, FormatParagraphs: body.FormatParagraphs,
	})
	if err != nil {
		writeCollaboratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": out})
}

func (a *App) correctText(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text     string `json:"text"`
		Provider string `json:"provider"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if a.Engines.Corrector() == nil {
		writeError(w, http.StatusNotImplemented, "no corrector installed")
		return
	}
	out, err := a.Engines.Corrector().Correct(r.Context(), body.Text, body.Provider)
	if err != nil {
		writeCollaboratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": out})
}

func (a *App) diarize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AudioPath string                `json:"audio_path"`
		Segments  []collaborator.Segment `json:"segments"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if a.Engines.Diarizer() == nil {
		writeError(w, http.StatusNotImplemented, "no diarizer installed")
		return
	}
	path, err := a.validatePath(body.AudioPath)
	if err != nil {
		writeCollaboratorError(w, err)
		return
	}
	segs, err := a.Engines.Diarizer().Diarize(r.Context(), path, body.Segments)
	if err != nil {
		writeCollaboratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": segs})
}

// ---- settings / config ----

func (a *App) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Settings.Get())
}

func (a *App) patchSettings(w http.ResponseWriter, r *http.Request) {
	var updates map[string]any
	if !decodeBody(w, r, &updates) {
		return
	}
	out, err := a.Settings.Patch(updates)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) getEngineConfig(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	cfg := a.Engine
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, cfg)
}

func (a *App) patchEngineConfig(w http.ResponseWriter, r *http.Request) {
	var updated config.Engine
	if !decodeBody(w, r, &updated) {
		return
	}
	a.mu.Lock()
	a.Engine = updated
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, updated)
}

// ---- export ----

var supportedExportFormats = map[string]bool{
	"txt": true, "docx": true, "xlsx": true, "srt": true, "vtt": true, "json": true,
}

func (a *App) export(w http.ResponseWriter, r *http.Request) {
	format := r.PathValue("format")
	if !supportedExportFormats[format] {
		writeError(w, http.StatusBadRequest, "unsupported export format "+format)
		return
	}
	var body struct {
		Text       string                 `json:"text"`
		Segments   []collaborator.Segment `json:"segments"`
		OutputPath string                 `json:"output_path"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	exporter := a.Engines.ExporterFor(format)
	if exporter == nil {
		writeError(w, http.StatusNotImplemented, "no exporter installed for "+format)
		return
	}
	outPath, err := a.validatePath(body.OutputPath)
	if err != nil {
		writeCollaboratorError(w, err)
		return
	}
	if !strings.EqualFold(filepath.Ext(outPath), "."+format) {
		writeError(w, http.StatusBadRequest, "output extension does not match requested format")
		return
	}
	if err := exporter.Export(r.Context(), body.Text, body.Segments, outPath); err != nil {
		writeCollaboratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "exported", "path": outPath})
}

// ---- transcribe ----

func (a *App) startTranscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AudioPath         string `json:"audio_path"`
		EnableDiarization bool   `json:"enable_diarization"`
		ApplyFormatter    bool   `json:"apply_formatter"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	path, err := a.validatePath(body.AudioPath)
	if err != nil {
		writeCollaboratorError(w, err)
		return
	}

	eng := a.Engines.Engine("default")
	if eng == nil {
		writeError(w, http.StatusNotFound, "no default engine configured")
		return
	}
	pipeline := transcribe.New(eng, a.Engines.Diarizer(), a.Engines.Formatter(), a.Bus, a.History, a.Log)
	if !a.Workers.TrySet(worker.KindTranscription, pipeline) {
		writeError(w, http.StatusConflict, "a transcription is already running")
		return
	}

	go func() {
		defer a.Workers.Clear(worker.KindTranscription)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		a.mu.Lock()
		a.transcriptionCancel = cancel
		a.mu.Unlock()
		cancelled := func() bool { return ctx.Err() != nil }
		_, _ = pipeline.Run(ctx, transcribe.Options{
			AudioPath:         path,
			EnableDiarization: body.EnableDiarization,
			ApplyFormatter:    body.ApplyFormatter,
		}, cancelled)
	}()

	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (a *App) cancelTranscription(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	cancel := a.transcriptionCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

// ---- batch ----

func (a *App) startBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Files        []string `json:"files"`
		SidecarLabel string   `json:"sidecar_label"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Files) == 0 {
		writeError(w, http.StatusBadRequest, "files is required")
		return
	}
	resolved := make([]string, 0, len(body.Files))
	for _, f := range body.Files {
		p, err := a.validatePath(f)
		if err != nil {
			writeCollaboratorError(w, err)
			return
		}
		resolved = append(resolved, p)
	}

	eng := a.Engines.Engine("default")
	if eng == nil {
		writeError(w, http.StatusNotFound, "no default engine configured")
		return
	}
	pipeline := transcribe.New(eng, a.Engines.Diarizer(), a.Engines.Formatter(), a.Bus, a.History, a.Log)
	runner := batch.New(pipeline, a.Bus, a.History, a.Log)
	if !a.Workers.TrySet(worker.KindBatch, runner) {
		writeError(w, http.StatusConflict, "a batch run is already in progress")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.batchCancel = cancel
	a.mu.Unlock()

	go func() {
		defer a.Workers.Clear(worker.KindBatch)
		defer cancel()
		runner.Run(ctx, resolved, body.SidecarLabel)
	}()

	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (a *App) cancelBatch(w http.ResponseWriter, r *http.Request) {
	if occupant := a.Workers.Get(worker.KindBatch); occupant != nil {
		if runner, ok := occupant.(*batch.Runner); ok {
			runner.Cancel()
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

// ---- realtime ----

func (a *App) realtimeStart(w http.ResponseWriter, r *http.Request) {
	eng := a.Engines.Engine("default")
	if eng == nil {
		writeError(w, http.StatusNotFound, "no default engine configured")
		return
	}
	streamEng, ok := eng.(collaborator.StreamEngine)
	if !ok {
		writeError(w, http.StatusNotImplemented, "default engine does not support streaming")
		return
	}
	source := a.Engines.AudioSource()
	if source == nil {
		writeError(w, http.StatusNotImplemented, "no audio capture device installed")
		return
	}
	rt := realtime.New(streamEng, source, nil, a.Bus, a.History, 16000, a.Engine.BufferDuration, a.Log)
	if !a.Workers.TrySet(worker.KindRealtime, rt) {
		writeError(w, http.StatusConflict, "realtime transcription is already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.realtimeCancel = cancel
	a.mu.Unlock()

	go func() {
		defer a.Workers.Clear(worker.KindRealtime)
		rt.Run(ctx)
	}()

	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (a *App) realtimeStop(w http.ResponseWriter, r *http.Request) {
	if occupant := a.Workers.Get(worker.KindRealtime); occupant != nil {
		if rt, ok := occupant.(*realtime.Worker); ok {
			rt.Stop()
		}
	}
	a.mu.Lock()
	if a.realtimeCancel != nil {
		a.realtimeCancel()
	}
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (a *App) realtimePause(w http.ResponseWriter, r *http.Request) {
	occupant := a.Workers.Get(worker.KindRealtime)
	rt, ok := occupant.(*realtime.Worker)
	if !ok {
		writeError(w, http.StatusConflict, "realtime transcription is not running")
		return
	}
	rt.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (a *App) realtimeResume(w http.ResponseWriter, r *http.Request) {
	occupant := a.Workers.Get(worker.KindRealtime)
	rt, ok := occupant.(*realtime.Worker)
	if !ok {
		writeError(w, http.StatusConflict, "realtime transcription is not running")
		return
	}
	rt.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (a *App) realtimeStatus(w http.ResponseWriter, r *http.Request) {
	occupant := a.Workers.Get(worker.KindRealtime)
	writeJSON(w, http.StatusOK, map[string]any{"running": occupant != nil && occupant.IsLive()})
}

// ---- folder monitor ----

func (a *App) monitorStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FolderPath    string `json:"folder_path"`
		CheckInterval int    `json:"check_interval_seconds"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	path, err := a.validatePath(body.FolderPath)
	if err != nil {
		writeCollaboratorError(w, err)
		return
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		writeError(w, http.StatusNotFound, "folder does not exist")
		return
	}
	interval := time.Duration(body.CheckInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}

	mon, err := monitor.New(path, interval, a.Bus, a.History, a.Log)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !a.Workers.TrySet(worker.KindFolderMonitor, mon) {
		writeError(w, http.StatusConflict, "folder monitor is already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.monitorCancel = cancel
	a.mu.Unlock()

	go func() {
		defer a.Workers.Clear(worker.KindFolderMonitor)
		mon.Run(ctx)
	}()

	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (a *App) monitorStop(w http.ResponseWriter, r *http.Request) {
	if occupant := a.Workers.Get(worker.KindFolderMonitor); occupant != nil {
		if mon, ok := occupant.(*monitor.Monitor); ok {
			mon.Stop()
		}
	}
	a.mu.Lock()
	if a.monitorCancel != nil {
		a.monitorCancel()
	}
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (a *App) monitorStatus(w http.ResponseWriter, r *http.Request) {
	occupant := a.Workers.Get(worker.KindFolderMonitor)
	writeJSON(w, http.StatusOK, map[string]any{"running": occupant != nil && occupant.IsLive()})
}

func (a *App) monitorMarkProcessed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FilePath string `json:"file_path"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	occupant := a.Workers.Get(worker.KindFolderMonitor)
	mon, ok := occupant.(*monitor.Monitor)
	if !ok {
		writeError(w, http.StatusConflict, "folder monitor is not running")
		return
	}
	mon.MarkProcessed(body.FilePath)
	writeJSON(w, http.StatusOK, map[string]string{"status": "marked"})
}

// ---- websocket ----

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (a *App) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	id, ok := a.Conns.Accept(conn)
	if !ok {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(1008, wsconn.CloseMaxConnections))
		conn.Close()
		return
	}
	defer a.Conns.Disconnect(id)
	defer conn.Close()

	events, unsubscribe, _ := a.Bus.Subscribe()
	defer unsubscribe()

	// Pump inbound frames to detect client disconnect; the backend only
	// pushes events, it never expects client-originated messages. closed
	// signals the write loop below so it doesn't block forever on a bus
	// channel that no longer receives deliveries once unsubscribed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == eventbus.ShutdownEventType {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			payload := map[string]any{"type": ev.Type, "data": ev.Data, "timestamp": ev.Timestamp}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
