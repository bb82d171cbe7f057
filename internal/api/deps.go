// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"io"

	"github.com/otaku840726/streamlink-webrecorder/internal/joblog"
	"github.com/otaku840726/streamlink-webrecorder/internal/registry"
	"github.com/otaku840726/streamlink-webrecorder/internal/transcode"
)

// Recorder controls live capture subprocesses.
type Recorder interface {
	Running(jobID string) bool
	Stop(job registry.Job) error
	RecordingDir(job registry.Job) string
}

// Scheduler owns the per-job recording timers.
type Scheduler interface {
	Upsert(job registry.Job)
	Remove(jobID string)
}

// ConvertEngine runs raw captures through the transcode pipeline.
type ConvertEngine interface {
	Convert(ctx context.Context, jobID, srcPath, quality string) (transcode.Task, bool, error)
	Tasks(jobID string) []transcode.Task
}

// Mirror manages HLS repackaging pipelines.
type Mirror interface {
	Start(ctx context.Context, job registry.Job) error
	Stop(jobID string) error
	Running(jobID string) bool
	RemoveData(jobID string) error
}

// Streamer opens an on-the-fly remux of a capture file.
type Streamer interface {
	OpenStream(ctx context.Context, path string, live bool) (io.ReadCloser, error)
}

// JobLog reads and prunes per-job event logs.
type JobLog interface {
	Tail(jobID string, limit int) ([]joblog.Entry, error)
	Remove(jobID string) error
}

// DoneTracker forgets which enumerated episodes a deleted job recorded.
type DoneTracker interface {
	Remove(jobID string) error
}
