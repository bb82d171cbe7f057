// SPDX-License-Identifier: MIT

// Package remux streams finished or in-progress MPEG-TS captures as
// fragmented MP4 without re-encoding, so browsers can play a file that is
// still being written to.
package remux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otaku840726/streamlink-webrecorder/internal/log"
	"github.com/otaku840726/streamlink-webrecorder/internal/metrics"
	"github.com/otaku840726/streamlink-webrecorder/internal/procgroup"
)

// ErrUnsupportedSource is returned for files the gateway will not remux.
var ErrUnsupportedSource = errors.New("remux: source is not an MPEG-TS capture")

// closeGrace bounds how long Close waits between SIGTERM and SIGKILL. A copy
// remux has no state worth flushing, so this stays short.
const closeGrace = 2 * time.Second

// Gateway launches one remux subprocess per open stream.
type Gateway struct {
	bin    string
	logger zerolog.Logger

	// execCommand is swapped in tests.
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewGateway creates a gateway using the given ffmpeg binary.
func NewGateway(ffmpegBin string) *Gateway {
	return &Gateway{
		bin:         ffmpegBin,
		logger:      log.WithComponent("remux"),
		execCommand: exec.CommandContext,
	}
}

// OpenStream starts remuxing path into fragmented MP4 and returns the
// reader side. In live mode the input is throttled to its native rate so a
// capture still being appended to is followed instead of drained. The
// caller must Close the returned stream; Close terminates the subprocess.
// A missing source surfaces as fs.ErrNotExist.
func (g *Gateway) OpenStream(ctx context.Context, path string, live bool) (io.ReadCloser, error) {
	if filepath.Ext(path) != ".ts" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, filepath.Base(path))
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	args := []string{"-nostdin", "-hide_banner", "-loglevel", "error"}
	if live {
		args = append(args, "-re")
	}
	args = append(args,
		"-i", path,
		"-c", "copy",
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4",
		"pipe:1",
	)

	cmd := g.execCommand(ctx, g.bin, args...)
	procgroup.Set(cmd)
	cmd.Stderr = io.Discard

	// An io.Pipe instead of StdoutPipe: Wait then only finishes after the
	// consumer has drained stdout, so a short remux never loses its tail.
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("remux: start %s: %w", g.bin, err)
	}

	metrics.RemuxSessions.Inc()
	g.logger.Debug().
		Str("file", filepath.Base(path)).
		Bool("live", live).
		Int("pid", cmd.Process.Pid).
		Msg("remux session opened")

	s := &session{cmd: cmd, pr: pr, logger: g.logger, waitCh: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		if err != nil {
			pw.CloseWithError(err)
		} else {
			_ = pw.Close()
		}
		s.waitCh <- err
	}()
	return s, nil
}

// session is one running remux subprocess. Read pulls from its stdout;
// Close kills the whole process group and reaps it.
type session struct {
	cmd    *exec.Cmd
	pr     *io.PipeReader
	waitCh chan error
	logger zerolog.Logger

	closeOnce sync.Once
}

func (s *session) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		// Closing the read side unblocks the copier feeding the pipe, so
		// Wait can return even when the consumer stopped mid-stream.
		_ = s.pr.Close()
		_ = procgroup.Terminate(s.cmd, s.waitCh, closeGrace)
		metrics.RemuxSessions.Dec()
		s.logger.Debug().Msg("remux session closed")
	})
	return nil
}
