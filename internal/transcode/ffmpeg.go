// SPDX-License-Identifier: MIT

package transcode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/otaku840726/streamlink-webrecorder/internal/log"
	"github.com/otaku840726/streamlink-webrecorder/internal/procgroup"
)

// FFmpegExec runs ffmpeg and estimates progress from its diagnostic text.
// The estimator is best-effort: when the total duration cannot be parsed,
// progress simply never advances (degraded mode, not an error).
type FFmpegExec struct {
	Bin    string
	Logger zerolog.Logger
}

// NewFFmpegExec creates the default executor.
func NewFFmpegExec(bin string) *FFmpegExec {
	return &FFmpegExec{Bin: bin, Logger: log.WithComponent("transcode.ffmpeg")}
}

func (f *FFmpegExec) Run(ctx context.Context, src, dst string, tier Tier, progress func(float64)) error {
	args := []string{
		"-nostdin", "-y",
		"-i", src,
		"-c:v", "libx264",
		"-preset", tier.Preset,
		"-crf", strconv.Itoa(tier.CRF),
		"-c:a", "aac",
		dst,
	}

	cmd := exec.CommandContext(ctx, f.Bin, args...)
	procgroup.Set(cmd)

	// ffmpeg interleaves the duration header and progress lines on stderr;
	// combine both streams into one pipe and never buffer the whole output.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		consumeProgress(pr, progress)
	}()

	waitErr := cmd.Wait()
	pw.Close()

	// The pipe closing on process exit is the reader's natural termination
	// signal; bound the drain wait regardless.
	select {
	case <-readerDone:
	case <-time.After(2 * time.Second):
		pr.Close()
		f.Logger.Warn().Str("src", src).Msg("progress reader did not drain in time")
	}

	if waitErr != nil {
		return fmt.Errorf("ffmpeg: %w", waitErr)
	}
	return nil
}

var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	positionRe = regexp.MustCompile(`\btime=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// consumeProgress scans encoder output for progress and then drains whatever
// is left. The drain is load-bearing: the scanner gives up on an oversized
// run with no line break, and an undrained pipe would block the copier
// feeding it, which in turn blocks Wait forever.
func consumeProgress(r io.Reader, progress func(float64)) {
	scanProgress(r, progress)
	_, _ = io.Copy(io.Discard, r)
}

// scanProgress reads encoder output line by line and reports the encode
// position as a percentage of the parsed total duration.
func scanProgress(r io.Reader, progress func(float64)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	scanner.Split(scanCRLines)

	var total float64

	for scanner.Scan() {
		line := scanner.Text()

		if total == 0 {
			if m := durationRe.FindStringSubmatch(line); m != nil {
				total = clockSeconds(m)
				continue
			}
		}
		if total <= 0 {
			continue
		}
		if m := positionRe.FindStringSubmatch(line); m != nil {
			pct := clockSeconds(m) / total * 100
			if pct < 0 {
				pct = 0
			}
			if pct > 100 {
				pct = 100
			}
			if progress != nil {
				progress(pct)
			}
		}
	}
}

// scanCRLines splits on \n or \r; ffmpeg rewrites its status line with bare
// carriage returns.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// clockSeconds converts a parsed hours:minutes:seconds.fraction match.
func clockSeconds(m []string) float64 {
	h, _ := strconv.ParseFloat(m[1], 64)
	min, _ := strconv.ParseFloat(m[2], 64)
	s, _ := strconv.ParseFloat(m[3], 64)
	return h*3600 + min*60 + s
}
