// SPDX-License-Identifier: MIT

//go:build unix

package recorder

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otaku840726/streamlink-webrecorder/internal/joblog"
	"github.com/otaku840726/streamlink-webrecorder/internal/registry"
	"github.com/otaku840726/streamlink-webrecorder/internal/resolver"
	"github.com/otaku840726/streamlink-webrecorder/internal/transcode"
)

// fakeConverter records Convert calls instead of transcoding.
type fakeConverter struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeConverter) Convert(ctx context.Context, jobID, srcPath, quality string) (transcode.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, srcPath)
	return transcode.Task{JobID: jobID, File: filepath.Base(srcPath), Status: transcode.StatusProcessing}, true, nil
}

func (f *fakeConverter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type testEnv struct {
	sup  *Supervisor
	conv *fakeConverter
	logs *joblog.Store
	done *DoneSet
	rec  string
}

// newTestEnv builds a supervisor whose "capture tool" is a shell script; the
// script receives the output path as $0.
func newTestEnv(t *testing.T, script string) *testEnv {
	t.Helper()
	data := t.TempDir()
	rec := t.TempDir()

	logs := joblog.NewStore(data)
	done := NewDoneSet(data)
	conv := &fakeConverter{}
	sup := NewSupervisor(Config{
		CaptureBin:    "streamlink",
		RecordingsDir: rec,
		StopGrace:     2 * time.Second,
		MaxConcurrent: 4,
	}, resolver.NewRegistry(), logs, done, conv)

	sup.execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		out := ""
		for i, a := range args {
			if a == "-o" && i+1 < len(args) {
				out = args[i+1]
			}
		}
		return exec.CommandContext(ctx, "sh", "-c", script, out)
	}

	return &testEnv{sup: sup, conv: conv, logs: logs, done: done, rec: rec}
}

func testJob() registry.Job {
	return registry.Job{ID: "job-1", Name: "cam", URL: "https://live.example/ch", Interval: 1, SaveDir: "cam"}
}

func lastEvents(t *testing.T, logs *joblog.Store, jobID string) []string {
	t.Helper()
	entries, err := logs.Tail(jobID, 20)
	require.NoError(t, err)
	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = e.Event
	}
	return kinds
}

func TestTriggerSuccess(t *testing.T) {
	env := newTestEnv(t, `printf data > "$0"; exit 0`)
	job := testJob()

	require.NoError(t, env.sup.Trigger(context.Background(), job))

	kinds := lastEvents(t, env.logs, job.ID)
	assert.Equal(t, []string{joblog.EventStart, joblog.EventEnd}, kinds)

	// The finished file is handed to the transcode engine.
	require.Equal(t, 1, env.conv.count())
	assert.FileExists(t, env.conv.calls[0])
	assert.Equal(t, ".ts", filepath.Ext(env.conv.calls[0]))

	assert.False(t, env.sup.Running(job.ID))
}

func TestTriggerNoStream(t *testing.T) {
	env := newTestEnv(t, `echo "error: No playable streams found on this URL"; exit 1`)
	job := testJob()

	require.NoError(t, env.sup.Trigger(context.Background(), job))

	kinds := lastEvents(t, env.logs, job.ID)
	assert.Equal(t, []string{joblog.EventStart, joblog.EventNoStream}, kinds)

	// No output file was produced, so nothing goes to the engine.
	assert.Equal(t, 0, env.conv.count())
}

func TestTriggerCaptureError(t *testing.T) {
	env := newTestEnv(t, `echo "error: Unable to open URL"; exit 2`)
	job := testJob()

	err := env.sup.Trigger(context.Background(), job)
	require.Error(t, err)

	kinds := lastEvents(t, env.logs, job.ID)
	assert.Equal(t, []string{joblog.EventStart, joblog.EventError}, kinds)
}

func TestTriggerErrorKeepsPartialFile(t *testing.T) {
	env := newTestEnv(t, `printf partial > "$0"; echo "error: died mid-stream"; exit 1`)
	job := testJob()

	require.Error(t, env.sup.Trigger(context.Background(), job))

	// The partial file is preserved and still handed to the engine.
	require.Equal(t, 1, env.conv.count())
	assert.FileExists(t, env.conv.calls[0])
}

func TestOverlappingTriggersSkipped(t *testing.T) {
	env := newTestEnv(t, `sleep 5`)
	job := testJob()

	triggerDone := make(chan struct{})
	go func() {
		defer close(triggerDone)
		_ = env.sup.Trigger(context.Background(), job)
	}()

	require.Eventually(t, func() bool { return env.sup.Running(job.ID) }, 2*time.Second, 10*time.Millisecond)

	// A second trigger while the first is live must return immediately
	// without starting another subprocess.
	start := time.Now()
	require.NoError(t, env.sup.Trigger(context.Background(), job))
	assert.Less(t, time.Since(start), time.Second)

	entries, err := env.logs.Tail(job.ID, 10)
	require.NoError(t, err)
	starts := 0
	for _, e := range entries {
		if e.Event == joblog.EventStart {
			starts++
		}
	}
	assert.Equal(t, 1, starts)

	require.NoError(t, env.sup.Stop(job))
	select {
	case <-triggerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not terminate after stop")
	}
}

func TestStopTerminatesAndConverts(t *testing.T) {
	env := newTestEnv(t, `printf data > "$0"; sleep 30`)
	job := testJob()

	triggerDone := make(chan struct{})
	go func() {
		defer close(triggerDone)
		_ = env.sup.Trigger(context.Background(), job)
	}()

	require.Eventually(t, func() bool { return env.sup.Running(job.ID) }, 2*time.Second, 10*time.Millisecond)
	// Give the script a moment to create the output file.
	require.Eventually(t, func() bool {
		return newestCapture(filepath.Join(env.rec, "cam")) != ""
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.sup.Stop(job))

	select {
	case <-triggerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not terminate after stop")
	}

	kinds := lastEvents(t, env.logs, job.ID)
	assert.Contains(t, kinds, joblog.EventManualStop)

	// Stop hands the newest capture to the engine without waiting for the
	// natural exit path; the exit path may add a second call for the same
	// file, which the engine dedupes.
	assert.GreaterOrEqual(t, env.conv.count(), 1)
	assert.False(t, env.sup.Running(job.ID))
}

func TestCaptureSurvivesTriggerContextCancel(t *testing.T) {
	env := newTestEnv(t, `printf data > "$0"; sleep 30`)
	job := testJob()

	ctx, cancel := context.WithCancel(context.Background())
	triggerDone := make(chan struct{})
	go func() {
		defer close(triggerDone)
		_ = env.sup.Trigger(ctx, job)
	}()

	require.Eventually(t, func() bool { return env.sup.Running(job.ID) }, 2*time.Second, 10*time.Millisecond)

	// Timer replacement cancels the trigger's context; the capture must keep
	// running regardless and only Stop may terminate it.
	cancel()
	time.Sleep(200 * time.Millisecond)
	assert.True(t, env.sup.Running(job.ID))
	select {
	case <-triggerDone:
		t.Fatal("context cancel killed the capture subprocess")
	default:
	}

	require.NoError(t, env.sup.Stop(job))
	select {
	case <-triggerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not terminate after stop")
	}
}

func TestStopIdleJobIsNoOp(t *testing.T) {
	env := newTestEnv(t, `exit 0`)
	assert.ErrorIs(t, env.sup.Stop(testJob()), ErrNotRecording)
}

// enumResolver hands out a fixed candidate list.
type enumResolver struct {
	resolver.Direct
	urls []string
}

func (e *enumResolver) ParseURLs(ctx context.Context, startURL string) ([]string, error) {
	return e.urls, nil
}

func TestEnumeratedJobMarksDone(t *testing.T) {
	env := newTestEnv(t, `printf data > "$0"; exit 0`)

	reg := resolver.NewRegistry()
	require.NoError(t, reg.Register(`^https://series\.example/`, &enumResolver{
		urls: []string{"https://series.example/ep1.m3u8", "https://series.example/ep2.m3u8"},
	}))
	env.sup.resolvers = reg

	job := testJob()
	job.URL = "https://series.example/show"

	// First tick records ep1, second ep2, third is a no-op.
	require.NoError(t, env.sup.Trigger(context.Background(), job))
	done, err := env.done.Load(job.ID)
	require.NoError(t, err)
	assert.Contains(t, done, "https://series.example/ep1.m3u8")

	require.NoError(t, env.sup.Trigger(context.Background(), job))
	done, err = env.done.Load(job.ID)
	require.NoError(t, err)
	assert.Len(t, done, 2)

	calls := env.conv.count()
	require.NoError(t, env.sup.Trigger(context.Background(), job))
	assert.Equal(t, calls, env.conv.count(), "third tick has nothing to record")
}

func TestConcurrencyBound(t *testing.T) {
	env := newTestEnv(t, `sleep 3`)
	env.sup.sem = make(chan struct{}, 1)

	jobA := testJob()
	jobB := testJob()
	jobB.ID = "job-2"
	jobB.SaveDir = "other"

	aDone := make(chan struct{})
	go func() {
		defer close(aDone)
		_ = env.sup.Trigger(context.Background(), jobA)
	}()
	require.Eventually(t, func() bool { return env.sup.Running(jobA.ID) }, 2*time.Second, 10*time.Millisecond)

	var started atomic.Bool
	go func() {
		_ = env.sup.Trigger(context.Background(), jobB)
		started.Store(true)
	}()

	// jobB is rejected by the bound, not queued.
	require.Eventually(t, func() bool { return started.Load() }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, env.sup.Running(jobB.ID))

	require.NoError(t, env.sup.Stop(jobA))
	select {
	case <-aDone:
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not terminate after stop")
	}
}

func TestOutputPathTimestamped(t *testing.T) {
	env := newTestEnv(t, `exit 0`)
	fixed := time.Date(2025, 3, 9, 15, 4, 5, 0, time.UTC)
	env.sup.now = func() time.Time { return fixed }

	job := testJob()
	job.Name = "my cam"
	path, err := env.sup.outputPath(job, "ts")
	require.NoError(t, err)
	assert.Equal(t, "my_cam_20250309_150405.ts", filepath.Base(path))

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
