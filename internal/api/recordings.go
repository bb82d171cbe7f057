// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/otaku840726/streamlink-webrecorder/internal/remux"
)

// recordingView describes one file in a job's recording directory.
type recordingView struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func (s *Server) listRecordings(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	dir := s.recorder.RecordingDir(job)
	entries, err := os.ReadDir(dir)
	if err != nil {
		// A job that never recorded has no directory yet.
		writeJSON(w, http.StatusOK, []recordingView{})
		return
	}

	views := make([]recordingView, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		views = append(views, recordingView{Name: e.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Modified.After(views[j].Modified) })
	writeJSON(w, http.StatusOK, views)
}

// recordingPath resolves the {file} route parameter inside the job's
// directory. Base stripping confines traversal attempts to the directory.
func (s *Server) recordingPath(r *http.Request, dir string) string {
	name := filepath.Base(chi.URLParam(r, "file"))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return filepath.Join(dir, name)
}

func (s *Server) serveRecording(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	path := s.recordingPath(r, s.recorder.RecordingDir(job))
	if path == "" {
		writeNotFound(w)
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeNotFound(w)
		return
	}

	if strings.EqualFold(filepath.Ext(path), ".ts") {
		w.Header().Set("Content-Type", "video/mp2t")
	}
	http.ServeFile(w, r, path)
}

func (s *Server) deleteRecording(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	path := s.recordingPath(r, s.recorder.RecordingDir(job))
	if path == "" {
		writeNotFound(w)
		return
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeNotFound(w)
			return
		}
		writeInternal(w, err)
		return
	}

	s.logger.Info().Str("job_id", job.ID).Str("file", filepath.Base(path)).Msg("recording deleted")
	w.WriteHeader(http.StatusNoContent)
}

// playRecording remuxes a capture to fragmented MP4 on the fly. With
// ?live=1 the source is followed at its native rate, which lets a capture
// still being written play like a live stream.
func (s *Server) playRecording(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	path := s.recordingPath(r, s.recorder.RecordingDir(job))
	if path == "" {
		writeNotFound(w)
		return
	}
	live := r.URL.Query().Get("live") == "1"

	// The request context kills the remux subprocess when the viewer
	// disconnects.
	stream, err := s.streamer.OpenStream(r.Context(), path, live)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			writeNotFound(w)
		case errors.Is(err, remux.ErrUnsupportedSource):
			writeError(w, err)
		default:
			writeInternal(w, err)
		}
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Debug().Err(err).Str("job_id", job.ID).Msg("remux stream ended")
			}
			return
		}
	}
}
