// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/otaku840726/streamlink-webrecorder/internal/recorder"
	"github.com/otaku840726/streamlink-webrecorder/internal/registry"
)

// taskView is a job plus its live runtime state.
type taskView struct {
	registry.Job
	Recording bool `json:"recording"`
	HLSLive   bool `json:"hls_live"`
}

func (s *Server) view(job registry.Job) taskView {
	return taskView{
		Job:       job,
		Recording: s.recorder.Running(job.ID),
		HLSLive:   s.mirror.Running(job.ID),
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	jobs := s.store.List()
	views := make([]taskView, len(jobs))
	for i, j := range jobs {
		views[i] = s.view(j)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var job registry.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, err)
		return
	}

	created, err := s.store.Create(job)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateID) {
			writeConflict(w, err.Error())
			return
		}
		writeError(w, err)
		return
	}

	s.sched.Upsert(created)
	s.reconcileMirror(created)

	s.logger.Info().Str("job_id", created.ID).Str("job", created.Name).Msg("task created")
	writeJSON(w, http.StatusCreated, s.view(created))
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	var next registry.Job
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.store.Update(job.ID, next)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeNotFound(w)
			return
		}
		writeError(w, err)
		return
	}

	// The new definition may change URL, interval or quality; restart the
	// timer so the next tick uses it.
	s.sched.Upsert(updated)
	s.reconcileMirror(updated)

	s.logger.Info().Str("job_id", updated.ID).Msg("task updated")
	writeJSON(w, http.StatusOK, s.view(updated))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	s.sched.Remove(job.ID)
	if err := s.recorder.Stop(job); err != nil && !errors.Is(err, recorder.ErrNotRecording) {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("stop capture during delete")
	}
	_ = s.mirror.Stop(job.ID)
	if err := s.mirror.RemoveData(job.ID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("remove mirror data")
	}
	if err := s.logs.Remove(job.ID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("remove job log")
	}
	if err := s.done.Remove(job.ID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("remove done set")
	}

	if _, err := s.store.Delete(job.ID); err != nil {
		writeInternal(w, err)
		return
	}

	s.logger.Info().Str("job_id", job.ID).Str("job", job.Name).Msg("task deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}

	if err := s.recorder.Stop(job); err != nil {
		if errors.Is(err, recorder.ErrNotRecording) {
			writeConflict(w, "job is not recording")
			return
		}
		writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// reconcileMirror aligns the HLS pipeline with the job's hls flag. The
// pipeline must outlive the request that flipped the flag, hence the
// detached context.
func (s *Server) reconcileMirror(job registry.Job) {
	switch {
	case job.HLS && !s.mirror.Running(job.ID):
		if err := s.mirror.Start(context.Background(), job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("start hls mirror")
		}
	case !job.HLS && s.mirror.Running(job.ID):
		_ = s.mirror.Stop(job.ID)
	}
}
