// SPDX-License-Identifier: MIT

// Package transcode runs asynchronous, progress-tracked ffmpeg transcodes of
// finished (or partially finished) capture files.
package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otaku840726/streamlink-webrecorder/internal/joblog"
	"github.com/otaku840726/streamlink-webrecorder/internal/log"
	"github.com/otaku840726/streamlink-webrecorder/internal/metrics"
)

// Exec runs one transcode subprocess. progress receives best-effort
// percentages in [0,100]; it may never be called when the source duration is
// unknown.
type Exec interface {
	Run(ctx context.Context, src, dst string, tier Tier, progress func(float64)) error
}

// EventFunc receives job-log events emitted by the engine.
type EventFunc func(jobID, event, msg string)

// Engine owns the conversion task table and enforces at most one processing
// task per (job id, source filename) key.
type Engine struct {
	mu    sync.Mutex
	tasks map[taskKey]*Task

	exec   Exec
	onEvnt EventFunc
	logger zerolog.Logger
}

// NewEngine creates an engine using the given executor. onEvent may be nil.
func NewEngine(exec Exec, onEvent EventFunc) *Engine {
	if onEvent == nil {
		onEvent = func(string, string, string) {}
	}
	return &Engine{
		tasks:  make(map[taskKey]*Task),
		exec:   exec,
		onEvnt: onEvent,
		logger: log.WithComponent("transcode"),
	}
}

// Convert starts an asynchronous transcode of srcPath for the given job.
// If a task for the same key is already processing, no subprocess is started
// and the existing task is returned with started=false. The check and the
// registration happen under one lock, so near-simultaneous calls cannot both
// spawn a subprocess.
func (e *Engine) Convert(ctx context.Context, jobID, srcPath, quality string) (Task, bool, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return Task{}, false, fmt.Errorf("source file: %w", err)
	}

	key := taskKey{jobID: jobID, file: filepath.Base(srcPath)}
	tier := TierFor(quality)

	e.mu.Lock()
	if existing, ok := e.tasks[key]; ok && existing.Status == StatusProcessing {
		snapshot := *existing
		e.mu.Unlock()
		e.logger.Debug().
			Str("job_id", jobID).
			Str("file", key.file).
			Msg("conversion already processing, returning existing task")
		return snapshot, false, nil
	}

	task := &Task{
		JobID:        jobID,
		File:         key.file,
		Status:       StatusProcessing,
		Quality:      tier.Name,
		Started:      time.Now(),
		OriginalSize: info.Size(),
	}
	e.tasks[key] = task
	snapshot := *task
	e.mu.Unlock()

	metrics.TranscodesActive.Inc()
	go e.run(ctx, key, srcPath, tier)

	return snapshot, true, nil
}

// Status returns a snapshot of the task for the given key.
func (e *Engine) Status(jobID, file string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskKey{jobID: jobID, file: filepath.Base(file)}]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns snapshots of all known tasks for a job.
func (e *Engine) Tasks(jobID string) []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Task
	for k, t := range e.tasks {
		if k.jobID == jobID {
			out = append(out, *t)
		}
	}
	return out
}

func (e *Engine) run(ctx context.Context, key taskKey, srcPath string, tier Tier) {
	defer metrics.TranscodesActive.Dec()

	dstPath := strings.TrimSuffix(srcPath, filepath.Ext(srcPath)) + ".mp4"
	logger := e.logger.With().
		Str("job_id", key.jobID).
		Str("file", key.file).
		Str("quality", tier.Name).
		Logger()

	logger.Info().Str("output", dstPath).Msg("starting transcode")

	runErr := e.exec.Run(ctx, srcPath, dstPath, tier, func(pct float64) {
		e.setProgress(key, pct)
	})

	if runErr != nil {
		e.finish(key, StatusFailed, 0)
		metrics.IncTranscodeFinished(string(StatusFailed))
		logger.Error().Err(runErr).Msg("transcode failed, source file preserved")
		e.onEvnt(key.jobID, joblog.EventError, fmt.Sprintf("COMPRESSION FAILED: %s: %v", key.file, runErr))
		return
	}

	out, err := os.Stat(dstPath)
	if err != nil || out.Size() == 0 {
		e.finish(key, StatusFailed, 0)
		metrics.IncTranscodeFinished(string(StatusFailed))
		logger.Error().Err(err).Msg("transcoder exited cleanly but produced no output")
		e.onEvnt(key.jobID, joblog.EventError, fmt.Sprintf("COMPRESSION FAILED: %s: missing output", key.file))
		return
	}

	e.finish(key, StatusCompleted, out.Size())
	metrics.IncTranscodeFinished(string(StatusCompleted))

	// Source removal only after verified success. A deletion failure is
	// logged but does not downgrade the completed status.
	if err := os.Remove(srcPath); err != nil {
		logger.Warn().Err(err).Msg("delete source after successful transcode")
	}

	logger.Info().Int64("new_size", out.Size()).Msg("transcode completed")
	e.onEvnt(key.jobID, joblog.EventCompress, fmt.Sprintf("COMPRESSED: %s -> %s", key.file, filepath.Base(dstPath)))
}

// setProgress stores pct only if it does not regress; encoder output can
// repeat or reorder progress lines.
func (e *Engine) setProgress(key taskKey, pct float64) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[key]
	if !ok || t.Status != StatusProcessing {
		return
	}
	if pct >= t.Progress {
		t.Progress = pct
	}
}

func (e *Engine) finish(key taskKey, status Status, newSize int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[key]
	if !ok {
		return
	}
	t.Status = status
	t.Ended = time.Now()
	if status == StatusCompleted {
		t.Progress = 100
		t.NewSize = newSize
	}
}
