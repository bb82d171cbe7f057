// SPDX-License-Identifier: MIT

// Package registry persists job definitions as a flat JSON list. The file is
// the sole source of truth; scheduler timers are a rebuildable projection.
package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound    = errors.New("job not found")
	ErrDuplicateID = errors.New("job id already exists")
)

// Quality tiers accepted for the default transcode of a job.
const (
	QualityLow     = "low"
	QualityMedium  = "medium"
	QualityHigh    = "high"
	QualityExtreme = "extreme"
)

// Job is one recording job definition.
type Job struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Interval int    `json:"interval"` // minutes
	SaveDir  string `json:"save_dir"`
	Params   string `json:"params,omitempty"` // extra capture-tool arguments, whitespace split
	Tool     string `json:"tool,omitempty"`   // resolver selector ("" = pattern match / direct)
	Quality  string `json:"quality,omitempty"`
	HLS      bool   `json:"hls,omitempty"` // enable the live HLS mirror
}

// Validate checks the invariants that must hold for every stored job.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("job name must not be empty")
	}
	if strings.TrimSpace(j.URL) == "" {
		return fmt.Errorf("job url must not be empty")
	}
	if j.Interval <= 0 {
		return fmt.Errorf("job interval must be > 0 minutes, got %d", j.Interval)
	}
	switch j.Quality {
	case "", QualityLow, QualityMedium, QualityHigh, QualityExtreme:
	default:
		return fmt.Errorf("unknown quality tier %q", j.Quality)
	}
	return nil
}

// DefaultQuality returns the job's transcode tier, falling back to medium.
func (j Job) DefaultQuality() string {
	if j.Quality == "" {
		return QualityMedium
	}
	return j.Quality
}
