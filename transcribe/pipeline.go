// Package transcribe implements the single-file transcription pipeline:
// validate, acquire the engine, run inference, optionally diarize and
// format, and report progress checkpoints as bus events throughout.
package transcribe

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kotoba-transcriber/backend/collaborator"
	"github.com/kotoba-transcriber/backend/eventbus"
	"github.com/kotoba-transcriber/backend/history"
)

// EngineAcquireTimeout bounds how long Run waits to acquire the exclusive
// engine mutex before reporting CategoryBusy.
const EngineAcquireTimeout = time.Second

// engineMu is the process-wide engine mutex, shared by every Pipeline so
// that no more than one inference call is in flight at a time however many
// Pipelines are constructed.
var engineMu = func() chan struct{} {
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return mu
}()

var allowedExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".flac": true, ".ogg": true,
}

// Options configures one Run of the pipeline.
type Options struct {
	AudioPath         string
	EnableDiarization bool
	Formatter         collaborator.FormatOptions
	ApplyFormatter    bool
}

// Pipeline runs single-file transcriptions, serialized through a single
// exclusive engine mutex — no more than one inference call is ever in
// flight, matching the underlying engine's own concurrency limits.
type Pipeline struct {
	engine    collaborator.Engine
	diarizer  collaborator.Diarizer
	formatter collaborator.Formatter
	bus       *eventbus.Bus
	hist      history.Store
	log       *zap.SugaredLogger

	engineMu chan struct{} // 1-buffered channel used as a mutex with TryAcquire semantics

	live atomic.Bool
}

// New creates a Pipeline. diarizer and formatter may be nil; their absence
// degrades gracefully (diarization skipped, raw text returned respectively).
func New(engine collaborator.Engine, diarizer collaborator.Diarizer, formatter collaborator.Formatter, bus *eventbus.Bus, hist history.Store, log *zap.SugaredLogger) *Pipeline {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pipeline{engine: engine, diarizer: diarizer, formatter: formatter, bus: bus, hist: hist, log: log, engineMu: engineMu}
}

// IsLive reports whether a Run is currently executing, satisfying
// worker.Worker so the pipeline can occupy a worker.Registry slot.
func (p *Pipeline) IsLive() bool { return p.live.Load() }

// validatePath rejects empty, traversal, or unsupported-extension paths
// before any engine work begins. It does not check that the file exists.
func validatePath(path string) (string, error) {
	if path == "" {
		return "", collaborator.New(collaborator.CategoryValidation, "audio path is required")
	}
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return "", collaborator.New(collaborator.CategoryValidation, "path traversal is not allowed")
	}
	ext := strings.ToLower(filepath.Ext(clean))
	if !allowedExtensions[ext] {
		return "", collaborator.New(collaborator.CategoryValidation, fmt.Sprintf("unsupported audio format %q", ext))
	}
	return clean, nil
}

// Run executes one transcription end to end, emitting progress events at
// 5, 10, 20, 40, 70 (plus a 75-85 diarization sub-range when enabled), 80,
// and a terminal 100 on success — or a terminal error event on failure.
// cancel is polled at each checkpoint for cooperative cancellation.
func (p *Pipeline) Run(ctx context.Context, opts Options, cancel func() bool) (collaborator.TranscribeResult, error) {
	p.live.Store(true)
	defer p.live.Store(false)

	jobID, _ := p.hist.BeginJob(ctx, "transcription", opts.AudioPath)
	endJob := func(outcome history.EventType, detail string) {
		_ = p.hist.EndJob(context.Background(), jobID, outcome, detail)
	}

	p.progress(5)
	path, err := validatePath(opts.AudioPath)
	if err != nil {
		p.fail(err)
		endJob(history.EventFailed, err.Error())
		return collaborator.TranscribeResult{}, err
	}

	p.progress(10)
	if cancel() {
		return p.cancelled(endJob)
	}

	acquired, release, err := p.acquireEngine(ctx)
	if err != nil {
		p.fail(err)
		endJob(history.EventFailed, err.Error())
		return collaborator.TranscribeResult{}, err
	}
	if !acquired {
		err := collaborator.New(collaborator.CategoryBusy, "engine is busy with another request")
		p.fail(err)
		endJob(history.EventFailed, err.Error())
		return collaborator.TranscribeResult{}, err
	}
	defer release()

	p.progress(20)
	if err := p.engine.EnsureLoaded(ctx); err != nil {
		wrapped := collaborator.New(collaborator.CategoryInternal, "model load failed: "+err.Error())
		p.fail(wrapped)
		endJob(history.EventFailed, wrapped.Error())
		return collaborator.TranscribeResult{}, wrapped
	}

	if cancel() {
		return p.cancelled(endJob)
	}

	p.progress(40)
	result, err := p.engine.Transcribe(ctx, path)
	if err != nil {
		wrapped := collaborator.New(collaborator.CategoryInternal, "transcription failed: "+err.Error())
		p.fail(wrapped)
		endJob(history.EventFailed, wrapped.Error())
		return collaborator.TranscribeResult{}, wrapped
	}
	p.progress(70)

	// Diarization runs outside the engine mutex — it is a separate model
	// with its own resource budget and must not block other inference
	// requests from proceeding.
	if opts.EnableDiarization && p.diarizer != nil {
		if cancel() {
			return p.cancelled(endJob)
		}
		p.progress(75)
		segs, err := p.diarizer.Diarize(ctx, path, result.Segments)
		if err != nil {
			p.log.Warnw("diarization failed, continuing without speaker labels", "path", path, "error", err)
		} else {
			result.Segments = segs
		}
		p.progress(85)
	}

	p.progress(80)
	if opts.ApplyFormatter && p.formatter != nil && result.Text != "" {
		formatted, err := p.formatter.Format(ctx, result.Text, opts.Formatter)
		if err != nil {
			p.log.Warnw("formatting failed, returning raw text", "error", err)
		} else {
			result.Text = formatted
		}
	}

	p.progress(100)
	p.bus.Emit("finished", map[string]any{"worker": "transcription", "text": result.Text})
	endJob(history.EventFinished, "")
	return result, nil
}

func (p *Pipeline) cancelled(endJob func(history.EventType, string)) (collaborator.TranscribeResult, error) {
	err := collaborator.New(collaborator.CategoryCancelled, "cancelled")
	p.bus.Emit("error", map[string]any{
		"worker":   "transcription",
		"category": string(collaborator.CategoryCancelled),
		"message":  "cancelled",
	})
	endJob(history.EventCancelled, "")
	return collaborator.TranscribeResult{}, err
}

func (p *Pipeline) progress(pct int) {
	p.bus.Emit("progress", map[string]any{"worker": "transcription", "percentage": pct})
}

func (p *Pipeline) fail(err error) {
	p.bus.Emit("error", map[string]any{
		"worker":   "transcription",
		"category": string(collaborator.CategoryOf(err)),
		"message":  err.Error(),
	})
}

// acquireEngine tries to take the exclusive engine mutex within
// EngineAcquireTimeout, returning acquired=false rather than an error on
// timeout so callers can report CategoryBusy distinctly from a real failure.
func (p *Pipeline) acquireEngine(ctx context.Context) (acquired bool, release func(), err error) {
	select {
	case <-p.engineMu:
		return true, func() { p.engineMu <- struct{}{} }, nil
	case <-ctx.Done():
		return false, nil, ctx.Err()
	case <-time.After(EngineAcquireTimeout):
		return false, nil, nil
	}
}
