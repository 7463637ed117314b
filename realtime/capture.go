// Package realtime implements a single-threaded capture-and-transcribe
// loop: pull audio frames, track a VAD-gated ring buffer, flush to the
// streaming engine when a speech boundary is reached, and report volume,
// status, and text events over the bus.
package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kotoba-transcriber/backend/collaborator"
	"github.com/kotoba-transcriber/backend/eventbus"
	"github.com/kotoba-transcriber/backend/history"
)

const (
	defaultSampleRate     = 16000
	maxBufferSeconds       = 60
	volumeEmitInterval     = 100 * time.Millisecond
	minFlushSeconds        = 0.3
	silenceFlushSeconds    = 0.5
)

// Source is the microphone-capture collaborator; see collaborator.AudioSource.
type Source = collaborator.AudioSource

// VAD reports whether a frame contains speech.
type VAD interface {
	IsSpeech(frame []float32, sampleRate int) bool
}

// Worker runs the capture loop on the calling goroutine via Run; Stop
// requests a bounded-timeout cooperative shutdown from another goroutine.
type Worker struct {
	engine     collaborator.StreamEngine
	source     Source
	vad        VAD
	bus        *eventbus.Bus
	hist       history.Store
	log        *zap.SugaredLogger
	sampleRate int
	bufferSamples int

	mu         sync.Mutex
	ring       []float32
	writePos   int

	running atomic.Bool
	paused  atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastVolumeEmit time.Time
}

// New creates a realtime Worker. bufferDuration controls the target flush
// size in seconds; sampleRate defaults to 16kHz when zero.
func New(engine collaborator.StreamEngine, source Source, vad VAD, bus *eventbus.Bus, hist history.Store, sampleRate int, bufferDuration float64, log *zap.SugaredLogger) *Worker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if sampleRate == 0 {
		sampleRate = defaultSampleRate
	}
	return &Worker{
		engine:        engine,
		source:        source,
		vad:           vad,
		bus:           bus,
		hist:          hist,
		log:           log,
		sampleRate:    sampleRate,
		bufferSamples: int(float64(sampleRate) * bufferDuration),
		ring:          make([]float32, sampleRate*maxBufferSeconds),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// IsLive satisfies worker.Worker.
func (w *Worker) IsLive() bool { return w.running.Load() }

// Run drives the capture loop until Stop is called or ctx is cancelled.
// Intended to run on its own goroutine, mirroring a dedicated capture
// thread: all ring-buffer access happens on this goroutine, under w.mu.
// When the loop ends without Stop (ctx cancelled or a read error), Run
// closes the audio source itself; after Stop, Stop closes it.
func (w *Worker) Run(ctx context.Context) {
	w.running.Store(true)
	w.paused.Store(false)
	defer close(w.doneCh)
	defer w.running.Store(false)

	// runCtx also ends when Stop is called, so a Read parked on it returns.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-w.stopCh:
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	jobID, _ := w.hist.BeginJob(ctx, "realtime", "")
	w.bus.Emit("status_changed", map[string]any{"status": "recording"})

	outcome := history.EventFinished
	defer func() {
		select {
		case <-w.stopCh: // Stop closes the source itself
		default:
			_ = w.source.Close()
		}
		_ = w.hist.EndJob(context.Background(), jobID, outcome, "")
		w.bus.Emit("status_changed", map[string]any{"status": "stopped"})
	}()

	for {
		select {
		case <-ctx.Done():
			outcome = history.EventCancelled
			return
		case <-w.stopCh:
			return
		default:
		}

		if w.paused.Load() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		frame, err := w.source.Read(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				if ctx.Err() != nil {
					outcome = history.EventCancelled
				}
				return
			}
			w.log.Warnw("realtime: frame read failed", "error", err)
			w.bus.Emit("error", map[string]any{"message": "audio read error"})
			outcome = history.EventFailed
			return
		}

		w.emitVolume(frame)
		w.appendFrame(frame)
		isSpeech := w.vad == nil || w.vad.IsSpeech(frame, w.sampleRate)

		bufLen := w.bufferLen()
		shouldFlush := bufLen >= w.bufferSamples ||
			(!isSpeech && bufLen > int(float64(w.sampleRate)*silenceFlushSeconds))
		if shouldFlush {
			if bufLen > int(float64(w.sampleRate)*minFlushSeconds) {
				w.flush(ctx)
			} else {
				w.resetBuffer()
			}
		}
	}
}

func (w *Worker) emitVolume(frame []float32) {
	now := time.Now()
	if now.Sub(w.lastVolumeEmit) < volumeEmitInterval {
		return
	}
	w.lastVolumeEmit = now
	var sum float64
	for _, s := range frame {
		if s < 0 {
			s = -s
		}
		sum += float64(s)
	}
	level := 0.0
	if len(frame) > 0 {
		level = sum / float64(len(frame))
	}
	w.bus.Emit("volume_changed", map[string]any{"level": level})
}

// appendFrame writes frame into the ring buffer, shifting out the oldest
// samples when the incoming data would overflow the fixed-capacity buffer.
func (w *Worker) appendFrame(frame []float32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(frame)
	cap := len(w.ring)
	space := cap - w.writePos
	switch {
	case n <= space:
		copy(w.ring[w.writePos:w.writePos+n], frame)
		w.writePos += n
	case n >= cap:
		copy(w.ring, frame[n-cap:])
		w.writePos = cap
	default:
		keep := cap - n
		copy(w.ring[:keep], w.ring[w.writePos-keep:w.writePos])
		copy(w.ring[keep:keep+n], frame)
		w.writePos = cap
	}
}

func (w *Worker) bufferLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writePos
}

func (w *Worker) resetBuffer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writePos = 0
}

func (w *Worker) flush(ctx context.Context) {
	w.mu.Lock()
	if w.writePos == 0 {
		w.mu.Unlock()
		return
	}
	audio := make([]float32, w.writePos)
	copy(audio, w.ring[:w.writePos])
	w.writePos = 0
	w.mu.Unlock()

	result, err := w.engine.TranscribePCM(ctx, audio, w.sampleRate)
	if err != nil {
		w.log.Warnw("realtime: transcription failed", "error", err)
		return
	}
	if result.Text != "" {
		w.bus.Emit("text_ready", map[string]any{"text": result.Text})
	}
}

// Pause suspends frame consumption without tearing down the capture loop.
func (w *Worker) Pause() {
	w.paused.Store(true)
	w.bus.Emit("status_changed", map[string]any{"status": "paused"})
}

// Resume resumes frame consumption.
func (w *Worker) Resume() {
	w.paused.Store(false)
	w.bus.Emit("status_changed", map[string]any{"status": "recording"})
}

// unloadableEngine is the subset of collaborator.Engine a StreamEngine
// implementation may also satisfy; Stop unloads through it when present so
// the model's resources are released on stop (spec.md §4.7 step 6), not
// just the audio stream.
type unloadableEngine interface {
	Unload(ctx context.Context) error
}

// Stop requests the loop exit and waits up to 3s for it to do so, then
// unloads the model (§4.7 step 6: "release stream, terminate audio
// subsystem, unload model"). Closing the source happens before the wait,
// not after — it is frequently what unblocks a Read call the capture loop
// is parked in.
func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	_ = w.source.Close()
	select {
	case <-w.doneCh:
	case <-time.After(3 * time.Second):
		w.log.Warnw("realtime: worker did not stop within timeout")
	}

	if unloader, ok := w.engine.(unloadableEngine); ok {
		if err := unloader.Unload(context.Background()); err != nil {
			w.log.Warnw("realtime: model unload failed", "error", err)
		}
	}
}
