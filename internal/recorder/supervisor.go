// SPDX-License-Identifier: MIT

// Package recorder supervises capture subprocess invocations: it resolves a
// recordable URL, launches the capture tool, classifies the result, and hands
// finished files to the transcode engine.
package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/otaku840726/streamlink-webrecorder/internal/joblog"
	"github.com/otaku840726/streamlink-webrecorder/internal/log"
	"github.com/otaku840726/streamlink-webrecorder/internal/metrics"
	"github.com/otaku840726/streamlink-webrecorder/internal/procgroup"
	"github.com/otaku840726/streamlink-webrecorder/internal/registry"
	"github.com/otaku840726/streamlink-webrecorder/internal/resolver"
	"github.com/otaku840726/streamlink-webrecorder/internal/transcode"
)

// ErrNotRecording is returned by Stop when the job has no live invocation.
var ErrNotRecording = errors.New("no active recording")

// Converter is the slice of the transcode engine the supervisor needs.
type Converter interface {
	Convert(ctx context.Context, jobID, srcPath, quality string) (transcode.Task, bool, error)
}

// Config holds the supervisor's runtime settings.
type Config struct {
	CaptureBin    string
	RecordingsDir string
	StopGrace     time.Duration
	MaxConcurrent int
}

// Supervisor tracks at most one live capture invocation per job id.
type Supervisor struct {
	cfg       Config
	resolvers *resolver.Registry
	logs      *joblog.Store
	done      *DoneSet
	engine    Converter
	logger    zerolog.Logger

	mu   sync.Mutex
	live map[string]*invocation

	sem chan struct{} // bounds in-flight capture subprocesses

	// execCommand is swapped in tests to avoid spawning the real capture tool.
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
	now         func() time.Time
}

type invocation struct {
	cmd     *exec.Cmd
	started time.Time
	url     string
	outFile string
	waitErr error         // valid after exited is closed
	exited  chan struct{} // closed after Wait returns
}

// NewSupervisor wires the supervisor with its collaborators.
func NewSupervisor(cfg Config, resolvers *resolver.Registry, logs *joblog.Store, done *DoneSet, engine Converter) *Supervisor {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Supervisor{
		cfg:         cfg,
		resolvers:   resolvers,
		logs:        logs,
		done:        done,
		engine:      engine,
		logger:      log.WithComponent("recorder"),
		live:        make(map[string]*invocation),
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		execCommand: exec.CommandContext,
		now:         time.Now,
	}
}

// Running reports whether the job has a live invocation.
func (s *Supervisor) Running(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[jobID] != nil
}

// Trigger runs one recording invocation for the job and blocks until the
// capture subprocess exits. Overlapping triggers for the same job id are
// skipped, as is a tick that would exceed the concurrency bound. Resolver and
// capture failures are logged and returned but must never reach the
// scheduler's timer: the caller drops them and the timer keeps firing.
func (s *Supervisor) Trigger(ctx context.Context, job registry.Job) error {
	logger := s.logger.With().Str("job_id", job.ID).Str("job", job.Name).Logger()

	s.mu.Lock()
	if _, running := s.live[job.ID]; running {
		s.mu.Unlock()
		metrics.TicksSkipped.Inc()
		logger.Debug().Msg("previous invocation still running, skipping tick")
		return nil
	}

	select {
	case s.sem <- struct{}{}:
	default:
		s.mu.Unlock()
		metrics.TicksSkipped.Inc()
		logger.Warn().Int("max", s.cfg.MaxConcurrent).Msg("concurrent recording limit reached, skipping tick")
		return nil
	}

	// Reserve the slot before resolving so a second tick arriving during a
	// slow resolver call still sees the job as busy.
	inv := &invocation{started: s.now(), exited: make(chan struct{})}
	s.live[job.ID] = inv
	s.mu.Unlock()

	defer func() {
		// Deregistration is unconditional: a stop request racing with
		// process exit must never find a stale handle.
		s.mu.Lock()
		delete(s.live, job.ID)
		s.mu.Unlock()
		<-s.sem
	}()

	return s.record(ctx, job, inv, logger)
}

func (s *Supervisor) record(ctx context.Context, job registry.Job, inv *invocation, logger zerolog.Logger) error {
	r := s.resolvers.ForJob(job)

	candidates, err := r.ParseURLs(ctx, job.URL)
	if err != nil {
		logger.Error().Err(err).Msg("resolver failed, skipping tick")
		s.logs.Append(job.ID, joblog.EventError, fmt.Sprintf("RESOLVER: %v", err))
		return fmt.Errorf("resolve %s: %w", job.URL, err)
	}

	enumerated := len(candidates) > 0
	target := job.URL
	if enumerated {
		doneSet, err := s.done.Load(job.ID)
		if err != nil {
			logger.Error().Err(err).Msg("load done set")
			doneSet = map[string]struct{}{}
		}
		next, ok := r.SelectNext(candidates, doneSet)
		if !ok {
			logger.Debug().Int("candidates", len(candidates)).Msg("no unrecorded candidates, nothing to do")
			return nil
		}
		target = next
	}

	playable, err := r.Finalize(ctx, target)
	if err != nil {
		logger.Error().Err(err).Str("url", target).Msg("finalize failed, skipping tick")
		s.logs.Append(job.ID, joblog.EventError, fmt.Sprintf("FINALIZE %s: %v", target, err))
		return fmt.Errorf("finalize %s: %w", target, err)
	}

	outFile, err := s.outputPath(job, r.Extension())
	if err != nil {
		return err
	}

	args := append(splitParams(job.Params), playable, "best", "-o", outFile)
	// The subprocess runs on a detached context: the trigger's context belongs
	// to the job's timer, and a timer being replaced (job edit, registry
	// reload) must not kill a capture mid-stream. Termination goes through
	// Stop/StopAll and the process group instead.
	cmd := s.execCommand(context.WithoutCancel(ctx), s.cfg.CaptureBin, args...)
	procgroup.Set(cmd)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	s.logs.Append(job.ID, joblog.EventStart, "CMD: "+s.cfg.CaptureBin+" "+strings.Join(args, " "))

	if err := cmd.Start(); err != nil {
		logger.Error().Err(err).Msg("start capture subprocess")
		s.logs.Append(job.ID, joblog.EventError, fmt.Sprintf("SPAWN: %v", err))
		return fmt.Errorf("start capture: %w", err)
	}

	s.mu.Lock()
	inv.cmd = cmd
	inv.url = playable
	inv.outFile = outFile
	s.mu.Unlock()

	metrics.RecordingsStarted.Inc()
	logger.Info().Str("url", playable).Str("output", outFile).Msg("capture started")

	go func() {
		defer close(inv.exited)
		inv.waitErr = cmd.Wait()
	}()
	<-inv.exited

	outcome := Classify(inv.waitErr == nil, output.String())
	metrics.IncRecordingFinished(string(outcome))

	switch outcome {
	case OutcomeSuccess:
		logger.Info().Str("output", outFile).Msg("capture finished")
		s.logs.Append(job.ID, joblog.EventEnd, "SUCCESS: "+outFile)
		if enumerated && fileNonEmpty(outFile) {
			// Mark only once the file is confirmed on disk, so a crash in
			// between cannot silently lose downloaded content.
			if err := s.done.Mark(job.ID, target); err != nil {
				logger.Error().Err(err).Str("url", target).Msg("persist done marker")
			}
		}
	case OutcomeNoStream:
		logger.Info().Msg("no playable stream, will retry next tick")
		s.logs.Append(job.ID, joblog.EventNoStream, firstLine(output.String()))
	default:
		logger.Error().Str("detail", firstLine(output.String())).Msg("capture failed")
		s.logs.Append(job.ID, joblog.EventError, "ERROR: "+firstLine(output.String()))
	}

	// A failed capture may still have produced a partially useful file.
	if fileNonEmpty(outFile) {
		s.convertAsync(job, outFile)
	}

	if outcome == OutcomeError {
		return fmt.Errorf("capture exited with error: %s", firstLine(output.String()))
	}
	return nil
}

// Stop terminates the job's live capture subprocess, logs a manual_stop event
// and immediately hands the most recently modified raw file in the job's
// directory to the transcode engine. Stopping an idle job returns
// ErrNotRecording.
func (s *Supervisor) Stop(job registry.Job) error {
	s.mu.Lock()
	inv := s.live[job.ID]
	var cmd *exec.Cmd
	if inv != nil {
		cmd = inv.cmd
	}
	s.mu.Unlock()

	if inv == nil || cmd == nil {
		return ErrNotRecording
	}

	logger := s.logger.With().Str("job_id", job.ID).Logger()
	if err := procgroup.Kill(cmd, syscall.SIGTERM); err != nil {
		logger.Warn().Err(err).Msg("terminate capture subprocess")
	}
	s.logs.Append(job.ID, joblog.EventManualStop, "stopped by request")
	logger.Info().Msg("manual stop requested")

	// Escalate if the process ignores SIGTERM. The trigger goroutine is
	// still blocked on exited and performs the deregistration.
	go func() {
		select {
		case <-inv.exited:
		case <-time.After(s.cfg.StopGrace):
			logger.Warn().Msg("capture ignored SIGTERM, killing process group")
			_ = procgroup.Kill(cmd, syscall.SIGKILL)
		}
	}()

	// Termination may not flow through the natural exit path promptly, so
	// kick off the transcode of the newest capture right away.
	if newest := newestCapture(s.jobDir(job)); newest != "" {
		s.convertAsync(job, newest)
	}
	return nil
}

// StopAll requests termination of every tracked live subprocess. Used on
// process-wide shutdown so children never outlive the daemon.
func (s *Supervisor) StopAll(grace time.Duration) {
	s.mu.Lock()
	invs := make([]*invocation, 0, len(s.live))
	for _, inv := range s.live {
		if inv != nil && inv.cmd != nil {
			invs = append(invs, inv)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, inv := range invs {
		wg.Add(1)
		go func(inv *invocation) {
			defer wg.Done()
			_ = procgroup.Kill(inv.cmd, syscall.SIGTERM)
			select {
			case <-inv.exited:
			case <-time.After(grace):
				_ = procgroup.Kill(inv.cmd, syscall.SIGKILL)
			}
		}(inv)
	}
	wg.Wait()
}

func (s *Supervisor) convertAsync(job registry.Job, file string) {
	// Detached context: the transcode must survive the tick that spawned it.
	if _, _, err := s.engine.Convert(context.Background(), job.ID, file, job.DefaultQuality()); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Str("file", file).Msg("hand file to transcode engine")
	}
}

// RecordingDir returns the directory holding the job's capture files.
func (s *Supervisor) RecordingDir(job registry.Job) string {
	return s.jobDir(job)
}

func (s *Supervisor) jobDir(job registry.Job) string {
	return filepath.Join(s.cfg.RecordingsDir, strings.Trim(job.SaveDir, "/"))
}

// outputPath derives a collision-free output file name from the job name and
// a seconds-resolution timestamp.
func (s *Supervisor) outputPath(job registry.Job, ext string) (string, error) {
	dir := s.jobDir(job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s.%s", sanitizeName(job.Name), s.now().Format("20060102_150405"), ext)
	return filepath.Join(dir, name), nil
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, name)
}

func splitParams(params string) []string {
	return strings.Fields(params)
}

// newestCapture returns the most recently modified raw capture file in dir.
func newestCapture(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".ts") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newestMod) {
			newestMod = info.ModTime()
			newest = filepath.Join(dir, e.Name())
		}
	}
	return newest
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
