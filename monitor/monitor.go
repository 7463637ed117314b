// Package monitor watches a folder for new audio files and reports them
// over the bus for transcription. Detection is driven by a fixed-interval
// poll (the only mechanism guaranteed to work on every filesystem);
// fsnotify, when available, only wakes the poll early so new files surface
// faster without replacing the interval guarantee.
package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kotoba-transcriber/backend/batch"
	"github.com/kotoba-transcriber/backend/config"
	"github.com/kotoba-transcriber/backend/eventbus"
	"github.com/kotoba-transcriber/backend/history"
)

// maxProcessedFileBytes bounds the size of the persisted processed-set
// sidecar this Monitor will load at startup (spec.md:154) — a file larger
// than this is presumed corrupt or foreign rather than trusted.
const maxProcessedFileBytes = 50 * 1024 * 1024

var audioExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".flac": true, ".ogg": true,
	".mp4": true, ".mov": true, ".mkv": true,
}

// MaxProcessed bounds how many processed paths are retained in memory and
// on disk. Once the set would exceed it, entries whose path no longer
// exists on disk are dropped (spec.md:50/154) — a monitor left running for
// months must not grow its working set forever, but a still-existing file
// is never evicted just to make room.
const MaxProcessed = 50000

const processedFileName = ".processed_files.txt"

// Monitor polls a folder on a fixed interval for new, stable, unprocessed
// audio files and emits them over the bus.
type Monitor struct {
	folderPath    string
	checkInterval time.Duration
	bus           *eventbus.Bus
	hist          history.Store
	log           *zap.SugaredLogger

	mu        sync.Mutex
	processed map[string]struct{}

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	watcher *fsnotify.Watcher
	wake    chan struct{}
}

// New creates a Monitor over folderPath, loading any existing processed-set
// sidecar file.
func New(folderPath string, checkInterval time.Duration, bus *eventbus.Bus, hist history.Store, log *zap.SugaredLogger) (*Monitor, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Monitor{
		folderPath:    folderPath,
		checkInterval: checkInterval,
		bus:           bus,
		hist:          hist,
		log:           log,
		processed:     make(map[string]struct{}),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		wake:          make(chan struct{}, 1),
	}
	m.loadProcessed()
	return m, nil
}

// IsLive satisfies worker.Worker.
func (m *Monitor) IsLive() bool { return m.running.Load() }

func (m *Monitor) loadProcessed() {
	path := filepath.Join(m.folderPath, processedFileName)
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warnw("monitor: failed to stat processed set", "error", err)
		}
		return
	}
	if info.Size() > maxProcessedFileBytes {
		m.log.Warnw("monitor: processed set file exceeds size limit, refusing to load",
			"path", path, "size", info.Size(), "limit", maxProcessedFileBytes)
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		m.log.Warnw("monitor: failed to load processed set", "error", err)
		return
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			m.processed[line] = struct{}{}
		}
	}
}

func (m *Monitor) saveProcessed() {
	keys := make([]string, 0, len(m.processed))
	for k := range m.processed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('\n')
	}
	path := filepath.Join(m.folderPath, processedFileName)
	if err := config.AtomicWrite(path, []byte(b.String())); err != nil {
		m.log.Warnw("monitor: failed to persist processed set", "error", err)
	}
}

// pruneProcessedLocked drops entries whose path no longer exists on disk,
// per spec.md:50/154 — called only once the in-memory set exceeds
// MaxProcessed, so existence checks don't run on every mark. Caller holds
// m.mu.
func (m *Monitor) pruneProcessedLocked() {
	for path := range m.processed {
		if _, err := os.Stat(path); err != nil {
			delete(m.processed, path)
		}
	}
}

// Run polls the folder until ctx is cancelled or Stop is called. Intended
// to be run on its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	m.running.Store(true)
	defer close(m.doneCh)
	defer m.running.Store(false)

	jobID, _ := m.hist.BeginJob(ctx, "folder_monitor", m.folderPath)
	m.bus.Emit("status_update", map[string]any{"status": "monitoring started", "folder": m.folderPath})

	m.watcher, _ = fsnotify.NewWatcher()
	if m.watcher != nil {
		if err := m.watcher.Add(m.folderPath); err != nil {
			m.log.Debugw("monitor: fsnotify watch failed, falling back to pure polling", "error", err)
			m.watcher.Close()
			m.watcher = nil
		} else {
			go m.watchEvents()
			defer m.watcher.Close()
		}
	}

	outcome := history.EventFinished
	defer func() {
		_ = m.hist.EndJob(context.Background(), jobID, outcome, "")
		m.bus.Emit("status_update", map[string]any{"status": "monitoring stopped"})
	}()

	for {
		unprocessed := m.scan()
		if len(unprocessed) > 0 {
			m.bus.Emit("new_files_detected", map[string]any{"files": unprocessed})
			m.bus.Emit("status_update", map[string]any{"status": "detected unprocessed files", "count": len(unprocessed)})
		}

		select {
		case <-ctx.Done():
			outcome = history.EventCancelled
			return
		case <-m.stopCh:
			return
		case <-m.wake:
			// fsnotify woke us early; loop immediately without waiting out
			// the rest of the interval.
		case <-time.After(m.checkInterval):
		}
	}
}

func (m *Monitor) watchEvents() {
	for {
		select {
		case _, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			select {
			case m.wake <- struct{}{}:
			default:
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Debugw("monitor: fsnotify error", "error", err)
		}
	}
}

func (m *Monitor) scan() []string {
	entries, err := os.ReadDir(m.folderPath)
	if err != nil {
		m.log.Warnw("monitor: folder unreadable", "path", m.folderPath, "error", err)
		return nil
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !audioExtensions[ext] {
			continue
		}
		path := filepath.Join(m.folderPath, e.Name())
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if m.isProcessed(abs) {
			continue
		}
		if m.isFileReady(abs) {
			out = append(out, abs)
		}
	}
	return out
}

func (m *Monitor) isProcessed(absPath string) bool {
	base := strings.TrimSuffix(absPath, filepath.Ext(absPath))
	if _, err := os.Stat(base + "_" + batch.DefaultSidecarLabel + ".txt"); err == nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[absPath]
	return ok
}

// isFileReady checks the file is non-empty, not exclusively locked by
// another writer, and stable in size across a short window — guarding
// against picking up a file mid-copy.
func (m *Monitor) isFileReady(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return false
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	locked := tryExclusiveLock(f)
	var probe [1]byte
	_, _ = f.Read(probe[:])
	f.Close()
	if !locked {
		return false
	}

	size1 := info.Size()
	time.Sleep(time.Second)
	info2, err := os.Stat(path)
	if err != nil {
		return false
	}
	return size1 == info2.Size()
}

// MarkProcessed records path as processed and persists the set atomically.
// Paths that resolve outside the watched folder are rejected silently —
// the processed-set must only ever describe files this monitor could have
// discovered itself.
func (m *Monitor) MarkProcessed(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	root, err := filepath.Abs(m.folderPath)
	if err != nil {
		return
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return
	}
	m.mu.Lock()
	m.processed[abs] = struct{}{}
	if len(m.processed) > MaxProcessed {
		m.pruneProcessedLocked()
	}
	m.mu.Unlock()
	m.saveProcessed()
}

// Stop requests the poll loop exit.
func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
}
