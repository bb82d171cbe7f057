// SPDX-License-Identifier: MIT

// Package joblog keeps one append-only JSON-lines event log per job.
package joblog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otaku840726/streamlink-webrecorder/internal/log"
)

// Event kinds written on significant state transitions.
const (
	EventStart      = "start"
	EventEnd        = "end"
	EventError      = "error"
	EventNoStream   = "no_stream"
	EventManualStop = "manual_stop"
	EventHLSStart   = "hls_start"
	EventHLSError   = "hls_error"
	EventCompress   = "mp4_compression"
)

// Entry is one timestamped log record.
type Entry struct {
	Time  time.Time `json:"time"`
	Event string    `json:"event"`
	Msg   string    `json:"msg,omitempty"`
}

// Store appends and tails per-job log files under a single directory.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger zerolog.Logger
}

// NewStore creates a log store rooted at <dataDir>/logs.
func NewStore(dataDir string) *Store {
	return &Store{
		dir:    filepath.Join(dataDir, "logs"),
		logger: log.WithComponent("joblog"),
	}
}

func (s *Store) file(jobID string) string {
	return filepath.Join(s.dir, filepath.Base(jobID)+".log")
}

// Append writes one entry to the job's log. Failures are logged, never fatal:
// the recording pipeline must not stall on log I/O.
func (s *Store) Append(jobID, event, msg string) {
	entry := Entry{Time: time.Now(), Event: event, Msg: msg}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("create log directory")
		return
	}

	f, err := os.OpenFile(s.file(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("open job log")
		return
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("encode log entry")
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("append log entry")
	}
}

// tailChunkSize is the backward read granularity for Tail.
const tailChunkSize = 8 * 1024

// Tail returns the most recent limit entries, oldest first, without reading
// the whole file: it walks backward from the end in fixed-size chunks.
// limit <= 0 returns all entries.
func (s *Store) Tail(jobID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.file(jobID))
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	lines, err := tailLines(f, info.Size(), limit)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Torn or corrupt line (e.g. crash mid-append): skip, don't fail.
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// tailLines reads the last limit newline-separated records of f.
func tailLines(f *os.File, size int64, limit int) ([][]byte, error) {
	if size == 0 {
		return nil, nil
	}

	var pending []byte // partial data carried between chunks
	var lines [][]byte // collected in reverse order

	offset := size
	for offset > 0 && (limit <= 0 || len(lines) < limit) {
		chunk := int64(tailChunkSize)
		if offset < chunk {
			chunk = offset
		}
		offset -= chunk

		buf := make([]byte, chunk)
		if _, err := f.ReadAt(buf, offset); err != nil {
			return nil, err
		}
		buf = append(buf, pending...)

		parts := bytes.Split(buf, []byte{'\n'})
		// The first part may be a line fragment continued in the next
		// (earlier) chunk; everything after it is complete.
		pending = parts[0]
		for i := len(parts) - 1; i >= 1; i-- {
			if len(bytes.TrimSpace(parts[i])) == 0 {
				continue
			}
			lines = append(lines, parts[i])
			if limit > 0 && len(lines) == limit {
				break
			}
		}
	}

	if (limit <= 0 || len(lines) < limit) && len(bytes.TrimSpace(pending)) > 0 {
		lines = append(lines, pending)
	}

	// Reverse to chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// Remove deletes the job's log file. Missing files are fine.
func (s *Store) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.file(jobID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove job log: %w", err)
	}
	return nil
}
