// SPDX-License-Identifier: MIT

// Package api exposes the daemon's HTTP surface: task CRUD, recording
// management, playback, transcode control and the HLS mirror endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/otaku840726/streamlink-webrecorder/internal/log"
	"github.com/otaku840726/streamlink-webrecorder/internal/registry"
)

// Config carries the handler-level knobs.
type Config struct {
	HLSDir string
	// RateLimitRPS bounds per-client API requests per second. Zero disables
	// the limiter.
	RateLimitRPS int
}

// Server wires the HTTP handlers to the daemon's services.
type Server struct {
	cfg      Config
	store    *registry.Store
	sched    Scheduler
	recorder Recorder
	engine   ConvertEngine
	mirror   Mirror
	streamer Streamer
	logs     JobLog
	done     DoneTracker
	logger   zerolog.Logger
}

// New assembles a server; all dependencies are required.
func New(cfg Config, store *registry.Store, sched Scheduler, rec Recorder, engine ConvertEngine, mirror Mirror, streamer Streamer, logs JobLog, done DoneTracker) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		sched:    sched,
		recorder: rec,
		engine:   engine,
		mirror:   mirror,
		streamer: streamer,
		logs:     logs,
		done:     done,
		logger:   log.WithComponent("api"),
	}
}

// Router builds the complete route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Route("/api", func(r chi.Router) {
		if s.cfg.RateLimitRPS > 0 {
			r.Use(httprate.Limit(
				s.cfg.RateLimitRPS,
				time.Second,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				}),
			))
		}

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/", s.createTask)

			r.Route("/{id}", func(r chi.Router) {
				r.Put("/", s.updateTask)
				r.Delete("/", s.deleteTask)
				r.Post("/stop", s.stopTask)

				r.Get("/recordings", s.listRecordings)
				r.Get("/recordings/{file}", s.serveRecording)
				r.Delete("/recordings/{file}", s.deleteRecording)
				r.Get("/recordings/{file}/play", s.playRecording)

				r.Post("/convert", s.startConvert)
				r.Get("/convert", s.listConverts)

				r.Get("/logs", s.tailLogs)

				r.Post("/hls", s.startMirror)
				r.Delete("/hls", s.stopMirror)
			})
		})
	})

	// Segment fetches happen every few seconds per viewer; they bypass the
	// API rate limiter.
	r.Handle("/hls/*", http.StripPrefix("/hls/", s.hlsFileServer()))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// jobFromRequest resolves the {id} route parameter against the registry.
func (s *Server) jobFromRequest(w http.ResponseWriter, r *http.Request) (registry.Job, bool) {
	job, ok := s.store.Get(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w)
		return registry.Job{}, false
	}
	return job, true
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
