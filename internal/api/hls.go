// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/otaku840726/streamlink-webrecorder/internal/hlsmirror"
)

func (s *Server) startMirror(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	// Detached context: the pipeline outlives this request.
	if err := s.mirror.Start(context.Background(), job); err != nil {
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "mirroring",
		"playlist": path.Join("/hls", job.ID, hlsmirror.PlaylistName),
	})
}

func (s *Server) stopMirror(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	if err := s.mirror.Stop(job.ID); err != nil {
		if errors.Is(err, hlsmirror.ErrNotMirroring) {
			writeConflict(w, "job is not being mirrored")
			return
		}
		writeInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// hlsFileServer serves playlists and segments. Playlists must never be
// cached: the rolling window rewrites them every few seconds.
func (s *Server) hlsFileServer() http.Handler {
	fileServer := http.FileServer(http.Dir(s.cfg.HLSDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			writeNotFound(w)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Header().Set("Cache-Control", "no-cache")
		case strings.HasSuffix(r.URL.Path, ".ts"):
			w.Header().Set("Content-Type", "video/mp2t")
		}
		fileServer.ServeHTTP(w, r)
	})
}
