// Package batch sequentially runs the transcription pipeline over a list
// of audio files, reporting per-item progress and a final summary, with
// atomic sidecar writes and cooperative, between-item cancellation.
package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kotoba-transcriber/backend/config"
	"github.com/kotoba-transcriber/backend/eventbus"
	"github.com/kotoba-transcriber/backend/history"
	"github.com/kotoba-transcriber/backend/transcribe"
)

// JoinTimeout bounds how long a graceful shutdown waits, after Cancel, for
// an in-flight item to reach its next cancellation checkpoint before giving
// up on the join.
const JoinTimeout = 10 * time.Second

// DefaultSidecarLabel names the per-file transcript sidecar written next
// to each successfully transcribed source: "<stem>_<label>.txt". The folder
// monitor checks for this same suffix to decide a file was already handled.
const DefaultSidecarLabel = "transcription"

// ItemResult is one file's outcome within a Run.
type ItemResult struct {
	FilePath string `json:"file_path"`
	Text     string `json:"text,omitempty"`
	Error    string `json:"error,omitempty"`
	Success  bool   `json:"success"`
}

// Summary is the batch_finished payload: per-outcome counts plus results.
type Summary struct {
	TotalFiles int          `json:"total_files"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Cancelled  bool         `json:"cancelled"`
	Results    []ItemResult `json:"results"`
}

// Runner sequentially drives the transcription pipeline over a queue of
// files. One Runner occupies the batch worker.Registry slot at a time.
type Runner struct {
	pipeline *transcribe.Pipeline
	bus      *eventbus.Bus
	hist     history.Store
	log      *zap.SugaredLogger

	live      atomic.Bool
	cancelled atomic.Bool
}

// New creates a Runner over the given pipeline.
func New(pipeline *transcribe.Pipeline, bus *eventbus.Bus, hist history.Store, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Runner{pipeline: pipeline, bus: bus, hist: hist, log: log}
}

// IsLive satisfies worker.Worker.
func (r *Runner) IsLive() bool { return r.live.Load() }

// Cancel requests cancellation, checked between items and forwarded into
// the per-item pipeline's own cancellation checkpoints.
func (r *Runner) Cancel() { r.cancelled.Store(true) }

func (r *Runner) isCancelled() bool { return r.cancelled.Load() }

// Run processes files sequentially. label names the per-file sidecar suffix
// ("<stem>_<label>.txt"); DefaultSidecarLabel is used when label is empty.
// Each successfully transcribed file gets its own atomically-written sidecar
// next to the source, matching the folder monitor's processed-marker check.
func (r *Runner) Run(ctx context.Context, files []string, label string) Summary {
	r.live.Store(true)
	defer r.live.Store(false)

	if label == "" {
		label = DefaultSidecarLabel
	}

	jobID, _ := r.hist.BeginJob(ctx, "batch", fmt.Sprintf("%d files", len(files)))

	total := len(files)
	summary := Summary{TotalFiles: total, Results: make([]ItemResult, 0, total)}

	for i, path := range files {
		if r.isCancelled() || ctx.Err() != nil {
			summary.Cancelled = true
			break
		}

		result, err := r.pipeline.Run(ctx, transcribe.Options{AudioPath: path, ApplyFormatter: true}, r.isCancelled)
		item := ItemResult{FilePath: path}
		if err != nil {
			item.Success = false
			item.Error = err.Error()
			summary.Failed++
			r.log.Warnw("batch item failed", "path", path, "error", err)
		} else {
			item.Success = true
			item.Text = result.Text
			summary.Succeeded++
			if err := writeItemSidecar(path, label, result.Text); err != nil {
				r.log.Warnw("failed to write transcript sidecar", "path", path, "error", err)
			}
		}
		summary.Results = append(summary.Results, item)

		r.bus.Emit("batch_progress", map[string]any{
			"processed": i + 1,
			"total":     total,
			"file_path": path,
			"success":   item.Success,
		})
	}

	outcome := history.EventFinished
	if summary.Cancelled {
		outcome = history.EventCancelled
	} else if summary.Failed > 0 && summary.Succeeded == 0 {
		outcome = history.EventFailed
	}
	_ = r.hist.EndJob(context.Background(), jobID, outcome, fmt.Sprintf("succeeded=%d failed=%d", summary.Succeeded, summary.Failed))

	r.bus.Emit("batch_finished", map[string]any{
		"total_files": summary.TotalFiles,
		"succeeded":   summary.Succeeded,
		"failed":      summary.Failed,
		"cancelled":   summary.Cancelled,
	})
	return summary
}

// writeItemSidecar atomically writes text to "<stem>_<label>.txt" next to
// source, via temp-file-then-rename in the same directory.
func writeItemSidecar(source, label, text string) error {
	ext := filepath.Ext(source)
	stem := strings.TrimSuffix(source, ext)
	path := fmt.Sprintf("%s_%s.txt", stem, label)
	return config.AtomicWrite(path, []byte(text))
}
