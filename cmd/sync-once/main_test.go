package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/appointment-sync/internal/syncer"
)

type fakeRunner struct {
	calls   []string
	sources []string
	report  *syncer.Report
	err     error
	health  syncer.Health
}

func (f *fakeRunner) result(call string) (*syncer.Report, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

func (f *fakeRunner) RunSync(ctx context.Context) (*syncer.Report, error) {
	f.sources = append(f.sources, syncer.TriggerSource(ctx))
	return f.result("sync")
}

func (f *fakeRunner) RunFromFile(_ context.Context, path string) (*syncer.Report, error) {
	return f.result("file:" + path)
}

func (f *fakeRunner) RunFromArchive(_ context.Context, key string) (*syncer.Report, error) {
	return f.result("archive:" + key)
}

func (f *fakeRunner) RunCleanup(_ context.Context, days int) (int64, error) {
	f.calls = append(f.calls, "cleanup")
	if f.err != nil {
		return 0, f.err
	}
	return int64(days) + 1, nil
}

func (f *fakeRunner) HealthCheck(context.Context) syncer.Health {
	f.calls = append(f.calls, "health")
	return f.health
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, options{}, opts)

	opts, err = parseOptions([]string{"-cleanup", "-days", "30"}, io.Discard)
	require.NoError(t, err)
	assert.True(t, opts.cleanup)
	assert.Equal(t, 30, opts.days)

	_, err = parseOptions([]string{"-file", "a.json", "-cleanup"}, io.Discard)
	assert.Error(t, err)

	_, err = parseOptions([]string{"-days", "-2"}, io.Discard)
	assert.Error(t, err)

	_, err = parseOptions([]string{"extra"}, io.Discard)
	assert.Error(t, err)
}

func TestExecuteSyncWritesReport(t *testing.T) {
	svc := &fakeRunner{report: &syncer.Report{RunID: "run-1", Success: true}}
	var out bytes.Buffer

	ok, err := execute(context.Background(), svc, options{}, &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{syncer.SourceCLI}, svc.sources)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
}

func TestExecuteFailedReport(t *testing.T) {
	svc := &fakeRunner{report: &syncer.Report{RunID: "run-2", Success: false, Error: "feed down"}}
	var out bytes.Buffer

	ok, err := execute(context.Background(), svc, options{file: "feed.json"}, &out)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"file:feed.json"}, svc.calls)
	assert.Contains(t, out.String(), "feed down")
}

func TestExecuteModes(t *testing.T) {
	svc := &fakeRunner{report: &syncer.Report{Success: true}, health: syncer.Health{Healthy: false}}

	var out bytes.Buffer
	ok, err := execute(context.Background(), svc, options{cleanup: true, days: 9}, &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), `"deleted": 10`)

	_, err = execute(context.Background(), svc, options{archiveKey: "k"}, io.Discard)
	require.NoError(t, err)

	ok, err = execute(context.Background(), svc, options{healthCheck: true}, io.Discard)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"cleanup", "archive:k", "health"}, svc.calls)
}

func TestExecutePropagatesStartError(t *testing.T) {
	svc := &fakeRunner{err: syncer.ErrSyncInProgress}
	ok, err := execute(context.Background(), svc, options{}, io.Discard)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, syncer.ErrSyncInProgress))
}
