// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"

	"github.com/otaku840726/streamlink-webrecorder/internal/transcode"
)

type convertRequest struct {
	File    string `json:"file"`
	Quality string `json:"quality,omitempty"`
}

func (s *Server) startConvert(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}
	if req.File == "" {
		writeError(w, errors.New("file is required"))
		return
	}

	quality := req.Quality
	if quality == "" {
		quality = job.DefaultQuality()
	}
	path := filepath.Join(s.recorder.RecordingDir(job), filepath.Base(req.File))

	// Detached context: the transcode keeps running after the response.
	task, started, err := s.engine.Convert(context.Background(), job.ID, path, quality)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeNotFound(w)
			return
		}
		writeError(w, err)
		return
	}
	if !started {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "already_processing",
			"task":   task,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) listConverts(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	tasks := s.engine.Tasks(job.ID)
	if tasks == nil {
		tasks = []transcode.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}
