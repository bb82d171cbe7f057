// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otaku840726/streamlink-webrecorder/internal/hlsmirror"
	"github.com/otaku840726/streamlink-webrecorder/internal/joblog"
	"github.com/otaku840726/streamlink-webrecorder/internal/recorder"
	"github.com/otaku840726/streamlink-webrecorder/internal/registry"
	"github.com/otaku840726/streamlink-webrecorder/internal/remux"
	"github.com/otaku840726/streamlink-webrecorder/internal/transcode"
)

type fakeSched struct {
	mu       sync.Mutex
	upserted []string
	removed  []string
}

func (f *fakeSched) Upsert(job registry.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, job.ID)
}

func (f *fakeSched) Remove(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, jobID)
}

type fakeRecorder struct {
	dir     string
	running map[string]bool
	stopped []string
}

func (f *fakeRecorder) Running(jobID string) bool { return f.running[jobID] }

func (f *fakeRecorder) Stop(job registry.Job) error {
	if !f.running[job.ID] {
		return recorder.ErrNotRecording
	}
	f.stopped = append(f.stopped, job.ID)
	f.running[job.ID] = false
	return nil
}

func (f *fakeRecorder) RecordingDir(job registry.Job) string {
	return filepath.Join(f.dir, job.SaveDir)
}

type fakeEngine struct {
	mu      sync.Mutex
	started []string
	dup     bool
}

func (f *fakeEngine) Convert(ctx context.Context, jobID, srcPath, quality string) (transcode.Task, bool, error) {
	if _, err := os.Stat(srcPath); err != nil {
		return transcode.Task{}, false, fmt.Errorf("source file: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	task := transcode.Task{JobID: jobID, File: filepath.Base(srcPath), Status: transcode.StatusProcessing, Quality: quality}
	if f.dup {
		return task, false, nil
	}
	f.started = append(f.started, task.File)
	return task, true, nil
}

func (f *fakeEngine) Tasks(jobID string) []transcode.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks := make([]transcode.Task, len(f.started))
	for i, file := range f.started {
		tasks[i] = transcode.Task{JobID: jobID, File: file, Status: transcode.StatusProcessing}
	}
	return tasks
}

type fakeMirror struct {
	running  map[string]bool
	startErr error
}

func (f *fakeMirror) Start(ctx context.Context, job registry.Job) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running[job.ID] = true
	return nil
}

func (f *fakeMirror) Stop(jobID string) error {
	if !f.running[jobID] {
		return hlsmirror.ErrNotMirroring
	}
	f.running[jobID] = false
	return nil
}

func (f *fakeMirror) Running(jobID string) bool { return f.running[jobID] }

func (f *fakeMirror) RemoveData(jobID string) error { return nil }

type fakeStreamer struct {
	payload string
	err     error
	live    bool
}

func (f *fakeStreamer) OpenStream(ctx context.Context, path string, live bool) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.live = live
	return io.NopCloser(strings.NewReader(f.payload)), nil
}

type fakeDone struct{ removed []string }

func (f *fakeDone) Remove(jobID string) error {
	f.removed = append(f.removed, jobID)
	return nil
}

type fakes struct {
	sched    *fakeSched
	rec      *fakeRecorder
	engine   *fakeEngine
	mirror   *fakeMirror
	streamer *fakeStreamer
	done     *fakeDone
}

type apiEnv struct {
	handler http.Handler
	store   *registry.Store
	logs    *joblog.Store
	f       *fakes
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	data := t.TempDir()
	store := registry.NewStore(data)
	logs := joblog.NewStore(data)

	f := &fakes{
		sched:    &fakeSched{},
		rec:      &fakeRecorder{dir: t.TempDir(), running: map[string]bool{}},
		engine:   &fakeEngine{},
		mirror:   &fakeMirror{running: map[string]bool{}},
		streamer: &fakeStreamer{payload: "MP4DATA"},
		done:     &fakeDone{},
	}
	srv := New(Config{HLSDir: t.TempDir()}, store, f.sched, f.rec, f.engine, f.mirror, f.streamer, logs, f.done)
	return &apiEnv{handler: srv.Router(), store: store, logs: logs, f: f}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) createJob(t *testing.T) registry.Job {
	t.Helper()
	res := e.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"name": "cam", "url": "https://live.example/ch", "interval": 30, "save_dir": "cam",
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var v taskView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &v))
	return v.Job
}

func TestTaskLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	job := env.createJob(t)
	assert.NotEmpty(t, job.ID)
	assert.Contains(t, env.f.sched.upserted, job.ID)

	res := env.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var list []taskView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.False(t, list[0].Recording)

	res = env.do(t, http.MethodPut, "/api/tasks/"+job.ID, map[string]any{
		"name": "cam2", "url": job.URL, "interval": 15,
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	updated, ok := env.store.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, "cam2", updated.Name)
	assert.Equal(t, 15, updated.Interval)

	res = env.do(t, http.MethodDelete, "/api/tasks/"+job.ID, nil)
	require.Equal(t, http.StatusNoContent, res.Code)
	assert.Contains(t, env.f.sched.removed, job.ID)
	assert.Contains(t, env.f.done.removed, job.ID)
	_, ok = env.store.Get(job.ID)
	assert.False(t, ok)
}

func TestCreateTaskValidation(t *testing.T) {
	env := newAPIEnv(t)

	res := env.do(t, http.MethodPost, "/api/tasks", map[string]any{"name": "", "url": "x", "interval": 1})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = env.do(t, http.MethodPost, "/api/tasks", map[string]any{"name": "a", "url": "x", "interval": 0})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestCreateWithHLSStartsMirror(t *testing.T) {
	env := newAPIEnv(t)

	res := env.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"name": "cam", "url": "https://live.example/ch", "interval": 30, "hls": true,
	})
	require.Equal(t, http.StatusCreated, res.Code)
	var v taskView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &v))
	assert.True(t, env.f.mirror.Running(v.ID))
}

func TestUnknownTaskIs404(t *testing.T) {
	env := newAPIEnv(t)
	for _, c := range []struct{ method, path string }{
		{http.MethodPut, "/api/tasks/nope"},
		{http.MethodDelete, "/api/tasks/nope"},
		{http.MethodPost, "/api/tasks/nope/stop"},
		{http.MethodGet, "/api/tasks/nope/recordings"},
		{http.MethodGet, "/api/tasks/nope/logs"},
		{http.MethodPost, "/api/tasks/nope/hls"},
	} {
		res := env.do(t, c.method, c.path, map[string]any{"name": "x", "url": "y", "interval": 1})
		assert.Equal(t, http.StatusNotFound, res.Code, "%s %s", c.method, c.path)
	}
}

func TestStopTask(t *testing.T) {
	env := newAPIEnv(t)
	job := env.createJob(t)

	res := env.do(t, http.MethodPost, "/api/tasks/"+job.ID+"/stop", nil)
	assert.Equal(t, http.StatusConflict, res.Code)

	env.f.rec.running[job.ID] = true
	res = env.do(t, http.MethodPost, "/api/tasks/"+job.ID+"/stop", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, env.f.rec.stopped, job.ID)
}

func writeRecording(t *testing.T, env *apiEnv, job registry.Job, name string, mod time.Time) string {
	t.Helper()
	dir := env.f.rec.RecordingDir(job)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("tsdata"), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func TestRecordingsListNewestFirst(t *testing.T) {
	env := newAPIEnv(t)
	job := env.createJob(t)

	base := time.Now().Add(-time.Hour)
	writeRecording(t, env, job, "cam_20250101_100000.ts", base)
	writeRecording(t, env, job, "cam_20250101_110000.ts", base.Add(time.Hour))

	res := env.do(t, http.MethodGet, "/api/tasks/"+job.ID+"/recordings", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var views []recordingView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "cam_20250101_110000.ts", views[0].Name)
}

func TestRecordingsListEmptyWithoutDir(t *testing.T) {
	env := newAPIEnv(t)
	job := env.createJob(t)

	res := env.do(t, http.MethodGet, "/api/tasks/"+job.ID+"/recordings", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, "[]", res.Body.String())
}

func TestServeAndDeleteRecording(t *testing.T) {
	env := newAPIEnv(t)
	job := env.createJob(t)
	writeRecording(t, env, job, "cam.ts", time.Now())

	res := env.do(t, http.MethodGet, "/api/tasks/"+job.ID+"/recordings/cam.ts", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "video/mp2t", res.Header().Get("Content-Type"))
	assert.Equal(t, "tsdata", res.Body.String())

	res = env.do(t, http.MethodDelete, "/api/tasks/"+job.ID+"/recordings/cam.ts", nil)
	require.Equal(t, http.StatusNoContent, res.Code)

	res = env.do(t, http.MethodGet, "/api/tasks/"+job.ID+"/recordings/cam.ts", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestPlayRecording(t *testing.T) {
	env := newAPIEnv(t)
	job := env.createJob(t)
	writeRecording(t, env, job, "cam.ts", time.Now())

	res := env.do(t, http.MethodGet, "/api/tasks/"+job.ID+"/recordings/cam.ts/play", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "video/mp4", res.Header().Get("Content-Type"))
	assert.Equal(t, "MP4DATA", res.Body.String())
	assert.False(t, env.f.streamer.live)

	res = env.do(t, http.MethodGet, "/api/tasks/"+job.ID+"/recordings/cam.ts/play?live=1", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.True(t, env.f.streamer.live)
}

func TestPlayRejectsUnsupportedSource(t *testing.T) {
	env := newAPIEnv(t)
	job := env.createJob(t)
	env.f.streamer.err = remux.ErrUnsupportedSource

	res := env.do(t, http.MethodGet, "/api/tasks/"+job.ID+"/recordings/cam.mp4/play", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestConvertFlow(t *testing.T) {
	env := newAPIEnv(t)
	job := env.createJob(t)
	writeRecording(t, env, job, "cam.ts", time.Now())

	res := env.do(t, http.MethodPost, "/api/tasks/"+job.ID+"/convert", map[string]string{"file": "cam.ts"})
	require.Equal(t, http.StatusAccepted, res.Code, res.Body.String())

	// A duplicate request reports the task instead of starting again.
	env.f.engine.dup = true
	res = env.do(t, http.MethodPost, "/api/tasks/"+job.ID+"/convert", map[string]string{"file": "cam.ts"})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "already_processing")

	res = env.do(t, http.MethodGet, "/api/tasks/"+job.ID+"/convert", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var tasks []transcode.Task
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
}

func TestConvertMissingFile(t *testing.T) {
	env := newAPIEnv(t)
	job := env.createJob(t)

	res := env.do(t, http.MethodPost, "/api/tasks/"+job.ID+"/convert", map[string]string{"file": "gone.ts"})
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = env.do(t, http.MethodPost, "/api/tasks/"+job.ID+"/convert", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestTailLogs(t *testing.T) {
	env := newAPIEnv(t)
	job := env.createJob(t)

	env.logs.Append(job.ID, joblog.EventStart, "CMD: streamlink")
	env.logs.Append(job.ID, joblog.EventEnd, "finished")

	res := env.do(t, http.MethodGet, "/api/tasks/"+job.ID+"/logs?limit=1", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var entries []joblog.Entry
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, joblog.EventEnd, entries[0].Event)

	res = env.do(t, http.MethodGet, "/api/tasks/"+job.ID+"/logs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestMirrorEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	job := env.createJob(t)

	res := env.do(t, http.MethodDelete, "/api/tasks/"+job.ID+"/hls", nil)
	assert.Equal(t, http.StatusConflict, res.Code)

	res = env.do(t, http.MethodPost, "/api/tasks/"+job.ID+"/hls", nil)
	require.Equal(t, http.StatusAccepted, res.Code)
	assert.Contains(t, res.Body.String(), "/hls/"+job.ID+"/playlist.m3u8")
	assert.True(t, env.f.mirror.Running(job.ID))

	res = env.do(t, http.MethodDelete, "/api/tasks/"+job.ID+"/hls", nil)
	assert.Equal(t, http.StatusNoContent, res.Code)
}

func TestHealthz(t *testing.T) {
	env := newAPIEnv(t)
	res := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{"status":"ok"}`, res.Body.String())
}
