// SPDX-License-Identifier: MIT

// Package hlsmirror repackages a live source into a local HLS rolling window:
// a capture tool pulls the stream to stdout and an ffmpeg packager cuts it
// into segments under <hls_dir>/<job_id>/, ready for static serving.
package hlsmirror

import (
	"context"
	"errors"
	"fmt"
	"io"
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
)

// ErrNotMirroring is returned by Stop when no mirror is live for the job.
var ErrNotMirroring = errors.New("hlsmirror: job is not being mirrored")

// PlaylistName is the entry point file written into each job's segment dir.
const PlaylistName = "playlist.m3u8"

// Config carries the subprocess binaries and the segment root.
type Config struct {
	CaptureBin  string
	PackagerBin string
	HLSDir      string
	StopGrace   time.Duration
}

// Manager runs at most one mirror pipeline per job.
type Manager struct {
	cfg    Config
	logs   *joblog.Store
	logger zerolog.Logger

	// startMu serializes Start calls: two racing starts for the same job
	// would otherwise both pass the stop-previous check and leave one
	// unregistered pipeline writing into the other's freshly wiped dir.
	startMu sync.Mutex

	mu   sync.Mutex
	live map[string]*mirror

	// execCommand is swapped in tests.
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// mirror is one running capture+packager pair.
type mirror struct {
	capture      *exec.Cmd
	packager     *exec.Cmd
	captureWait  chan error
	packagerWait chan error
	stopping     bool
	done         chan struct{}
}

// NewManager creates an HLS mirror manager.
func NewManager(cfg Config, logs *joblog.Store) *Manager {
	return &Manager{
		cfg:         cfg,
		logs:        logs,
		logger:      log.WithComponent("hlsmirror"),
		live:        make(map[string]*mirror),
		execCommand: exec.CommandContext,
	}
}

// PlaylistPath returns where the job's playlist lands once mirroring runs.
func (m *Manager) PlaylistPath(jobID string) string {
	return filepath.Join(m.cfg.HLSDir, jobID, PlaylistName)
}

// Running reports whether a mirror pipeline is live for the job.
func (m *Manager) Running(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[jobID]
	return ok
}

// Start launches the mirror pipeline for a job. A pipeline already running
// for the same job is stopped first, and the segment directory is wiped so
// stale segments from an earlier session never leak into the new playlist.
func (m *Manager) Start(ctx context.Context, job registry.Job) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if err := m.Stop(job.ID); err != nil && !errors.Is(err, ErrNotMirroring) {
		return err
	}

	dir := filepath.Join(m.cfg.HLSDir, job.ID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("hlsmirror: clear segment dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("hlsmirror: create segment dir: %w", err)
	}

	captureArgs := splitParams(job.Params)
	captureArgs = append(captureArgs, job.URL, "best", "-O")
	capture := m.execCommand(ctx, m.cfg.CaptureBin, captureArgs...)
	procgroup.Set(capture)
	capture.Stderr = io.Discard

	packager := m.execCommand(ctx, m.cfg.PackagerBin,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-c", "copy",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_list_size", "6",
		"-hls_flags", "delete_segments+append_list",
		filepath.Join(dir, PlaylistName),
	)
	procgroup.Set(packager)
	packager.Stderr = io.Discard

	stdout, err := capture.StdoutPipe()
	if err != nil {
		return fmt.Errorf("hlsmirror: capture stdout: %w", err)
	}
	packager.Stdin = stdout

	if err := capture.Start(); err != nil {
		return fmt.Errorf("hlsmirror: start %s: %w", m.cfg.CaptureBin, err)
	}
	if err := packager.Start(); err != nil {
		_ = procgroup.Kill(capture, syscall.SIGKILL)
		_ = capture.Wait()
		return fmt.Errorf("hlsmirror: start %s: %w", m.cfg.PackagerBin, err)
	}

	mir := &mirror{
		capture:      capture,
		packager:     packager,
		captureWait:  make(chan error, 1),
		packagerWait: make(chan error, 1),
		done:         make(chan struct{}),
	}
	go func() { mir.captureWait <- capture.Wait() }()
	go func() { mir.packagerWait <- packager.Wait() }()

	m.mu.Lock()
	m.live[job.ID] = mir
	m.mu.Unlock()

	metrics.HLSMirrorsActive.Inc()
	m.logs.Append(job.ID, joblog.EventHLSStart, "HLS: "+job.URL)
	m.logger.Info().
		Str("job_id", job.ID).
		Str("job", job.Name).
		Str("dir", dir).
		Msg("mirror started")

	go m.supervise(job, mir)
	return nil
}

// supervise reaps the pipeline and deregisters it. A pipeline that dies on
// its own (source went offline, packager crashed) is logged as an error;
// a deliberate Stop is not.
func (m *Manager) supervise(job registry.Job, mir *mirror) {
	defer close(mir.done)

	capErr := <-mir.captureWait
	// Capture exit closes the packager's stdin, so it drains and exits.
	pkgErr := <-mir.packagerWait

	m.mu.Lock()
	stopping := mir.stopping
	if m.live[job.ID] == mir {
		delete(m.live, job.ID)
	}
	m.mu.Unlock()

	metrics.HLSMirrorsActive.Dec()

	if stopping {
		m.logger.Info().Str("job_id", job.ID).Msg("mirror stopped")
		return
	}

	err := capErr
	if err == nil {
		err = pkgErr
	}
	msg := "mirror pipeline ended"
	if err != nil {
		msg = fmt.Sprintf("mirror pipeline failed: %v", err)
	}
	m.logs.Append(job.ID, joblog.EventHLSError, msg)
	m.logger.Warn().
		Str("job_id", job.ID).
		AnErr("capture", capErr).
		AnErr("packager", pkgErr).
		Msg("mirror exited unexpectedly")
}

// Stop terminates the job's mirror pipeline and waits until it is reaped.
// The supervisor goroutine owns the Wait channels, so Stop only signals and
// then waits for it to finish.
func (m *Manager) Stop(jobID string) error {
	m.mu.Lock()
	mir, ok := m.live[jobID]
	if ok {
		mir.stopping = true
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotMirroring
	}

	_ = procgroup.Kill(mir.capture, syscall.SIGTERM)
	_ = procgroup.Kill(mir.packager, syscall.SIGTERM)

	select {
	case <-mir.done:
		return nil
	case <-time.After(m.cfg.StopGrace):
	}

	_ = procgroup.Kill(mir.capture, syscall.SIGKILL)
	_ = procgroup.Kill(mir.packager, syscall.SIGKILL)
	<-mir.done
	return nil
}

// StopAll terminates every live mirror. Used during daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Stop(id)
		}(id)
	}
	wg.Wait()
}

// RemoveData deletes the job's segment directory. The mirror must not be
// running; callers stop it first.
func (m *Manager) RemoveData(jobID string) error {
	return os.RemoveAll(filepath.Join(m.cfg.HLSDir, jobID))
}

func splitParams(params string) []string {
	if strings.TrimSpace(params) == "" {
		return nil
	}
	return strings.Fields(params)
}
