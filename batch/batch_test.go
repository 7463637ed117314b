package batch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotoba-transcriber/backend/batch"
	"github.com/kotoba-transcriber/backend/collaborator"
	"github.com/kotoba-transcriber/backend/eventbus"
	"github.com/kotoba-transcriber/backend/history"
	"github.com/kotoba-transcriber/backend/transcribe"
)

type fakeEngine struct {
	textFor map[string]string
	failFor map[string]bool
}

func (f *fakeEngine) EnsureLoaded(_ context.Context) error { return nil }
func (f *fakeEngine) Unload(_ context.Context) error       { return nil }
func (f *fakeEngine) IsLoaded() bool                       { return true }
func (f *fakeEngine) Name() string                         { return "fake" }
func (f *fakeEngine) Transcribe(_ context.Context, path string) (collaborator.TranscribeResult, error) {
	if f.failFor[path] {
		return collaborator.TranscribeResult{}, assertError("inference failed")
	}
	return collaborator.TranscribeResult{Text: f.textFor[path]}, nil
}

type assertError string

func (e assertError) Error() string { return string(e) }

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

func newRunner(t *testing.T, eng *fakeEngine) (*batch.Runner, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(nil)
	bus.SetScheduler(eventbus.InlineScheduler{})
	p := transcribe.New(eng, nil, nil, bus, nopStore{}, nil)
	return batch.New(p, bus, nopStore{}, nil), bus
}

func TestRun_WritesPerItemSidecarOnSuccess(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "clip.wav")
	require.NoError(t, os.WriteFile(audio, []byte("fake audio"), 0o644))

	eng := &fakeEngine{textFor: map[string]string{audio: "hello there"}}
	runner, _ := newRunner(t, eng)

	summary := runner.Run(context.Background(), []string{audio}, "")
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)

	sidecar := filepath.Join(dir, "clip_"+batch.DefaultSidecarLabel+".txt")
	data, err := os.ReadFile(sidecar)
	require.NoError(t, err)
	assert.Equal(t, "hello there", string(data))
}

func TestRun_CustomLabelChangesSidecarSuffix(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "clip.wav")
	require.NoError(t, os.WriteFile(audio, []byte("x"), 0o644))

	eng := &fakeEngine{textFor: map[string]string{audio: "text"}}
	runner, _ := newRunner(t, eng)

	runner.Run(context.Background(), []string{audio}, "mylabel")

	sidecar := filepath.Join(dir, "clip_mylabel.txt")
	_, err := os.Stat(sidecar)
	assert.NoError(t, err)
}

func TestRun_FailedItemSkipsSidecarButContinues(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.wav")
	good := filepath.Join(dir, "good.wav")
	require.NoError(t, os.WriteFile(bad, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(good, []byte("x"), 0o644))

	eng := &fakeEngine{
		textFor: map[string]string{good: "ok"},
		failFor: map[string]bool{bad: true},
	}
	runner, _ := newRunner(t, eng)

	summary := runner.Run(context.Background(), []string{bad, good}, "")
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	_, err := os.Stat(filepath.Join(dir, "bad_"+batch.DefaultSidecarLabel+".txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "good_"+batch.DefaultSidecarLabel+".txt"))
	assert.NoError(t, err)
}

func TestRun_CancelBeforeStartStopsImmediately(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "clip.wav")
	require.NoError(t, os.WriteFile(audio, []byte("x"), 0o644))

	eng := &fakeEngine{textFor: map[string]string{audio: "text"}}
	runner, _ := newRunner(t, eng)
	runner.Cancel()

	summary := runner.Run(context.Background(), []string{audio}, "")
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 0, summary.Succeeded)
	assert.False(t, runner.IsLive())
}
