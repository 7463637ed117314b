package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotoba-transcriber/backend/eventbus"
	"github.com/kotoba-transcriber/backend/history"
)

type nopStore struct{}

func (nopStore) BeginJob(_ context.Context, _, _ string) (int64, error) { return 1, nil }
func (nopStore) EndJob(_ context.Context, _ int64, _ history.EventType, _ string) error {
	return nil
}
func (nopStore) RecentJobs(_ context.Context, _ string, _ int) ([]history.JobRecord, error) {
	return nil, nil
}
func (nopStore) CountsByOutcome(_ context.Context) (map[string]map[string]int, error) {
	return nil, nil
}
func (nopStore) Close() error { return nil }

func newTestMonitor(t *testing.T, dir string) *Monitor {
	t.Helper()
	bus := eventbus.New(nil)
	bus.SetScheduler(eventbus.InlineScheduler{})
	m, err := New(dir, time.Hour, bus, nopStore{}, nil)
	require.NoError(t, err)
	return m
}

func TestScan_SkipsNonAudioFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	m := newTestMonitor(t, dir)
	assert.Empty(t, m.scan())
}

func TestScan_FindsStableUnprocessedAudioFile(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "clip.wav")
	require.NoError(t, os.WriteFile(audio, []byte("payload"), 0o644))

	m := newTestMonitor(t, dir)
	found := m.scan()
	require.Len(t, found, 1)
	abs, _ := filepath.Abs(audio)
	assert.Equal(t, abs, found[0])
}

func TestScan_SkipsAlreadyProcessedBySidecar(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "clip.wav")
	require.NoError(t, os.WriteFile(audio, []byte("payload"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip_transcription.txt"), []byte("done"), 0o644))

	m := newTestMonitor(t, dir)
	assert.Empty(t, m.scan())
}

func TestScan_SkipsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "empty.wav")
	require.NoError(t, os.WriteFile(audio, []byte{}, 0o644))

	m := newTestMonitor(t, dir)
	assert.Empty(t, m.scan())
}

func TestMarkProcessed_RejectsPathOutsideFolder(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "clip.wav")
	require.NoError(t, os.WriteFile(outsideFile, []byte("x"), 0o644))

	m := newTestMonitor(t, dir)
	m.MarkProcessed(outsideFile)

	abs, _ := filepath.Abs(outsideFile)
	assert.False(t, m.isProcessed(abs))
}

func TestMarkProcessed_PersistsAndSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "clip.wav")
	require.NoError(t, os.WriteFile(audio, []byte("x"), 0o644))

	m := newTestMonitor(t, dir)
	m.MarkProcessed(audio)

	reloaded := newTestMonitor(t, dir)
	abs, _ := filepath.Abs(audio)
	assert.True(t, reloaded.isProcessed(abs))
}

func TestPruneProcessedLocked_DropsOnlyNonExistentPaths(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "keep.wav")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))
	missing := filepath.Join(dir, "gone.wav")

	m := newTestMonitor(t, dir)
	m.processed[existing] = struct{}{}
	m.processed[missing] = struct{}{}

	m.mu.Lock()
	m.pruneProcessedLocked()
	m.mu.Unlock()

	assert.Contains(t, m.processed, existing)
	assert.NotContains(t, m.processed, missing)
}

func TestLoadProcessed_RejectsOversizedSidecar(t *testing.T) {
	dir := t.TempDir()
	oversized := make([]byte, maxProcessedFileBytes+1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, processedFileName), oversized, 0o644))

	m := newTestMonitor(t, dir)
	assert.Empty(t, m.processed)
}

func TestRunStop_EmitsStartedAndStoppedStatus(t *testing.T) {
	dir := t.TempDir()
	bus := eventbus.New(nil)
	bus.SetScheduler(eventbus.InlineScheduler{})
	ch, unsub, _ := bus.Subscribe()
	defer unsub()

	m, err := New(dir, 50*time.Millisecond, bus, nopStore{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	go m.Run(ctx)

	started := <-ch
	assert.Equal(t, "status_update", started.Type)
	assert.True(t, m.IsLive())

	m.Stop()
	assert.False(t, m.IsLive())

	stopped := <-ch
	assert.Equal(t, "monitoring stopped", stopped.Data["status"])
}
