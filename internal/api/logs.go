// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/otaku840726/streamlink-webrecorder/internal/joblog"
)

const defaultLogLimit = 100

var errInvalidLimit = errors.New("limit must be a non-negative integer")

func (s *Server) tailLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, errInvalidLimit)
			return
		}
		limit = n
	}

	entries, err := s.logs.Tail(job.ID, limit)
	if err != nil {
		writeInternal(w, err)
		return
	}
	if entries == nil {
		entries = []joblog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
