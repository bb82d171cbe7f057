// SPDX-License-Identifier: MIT

// Package metrics exposes prometheus collectors for the recorder daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordingsStarted counts capture subprocess launches.
	RecordingsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webrecorder_recordings_started_total",
		Help: "Total capture subprocess launches",
	})

	// RecordingsFinished counts finished capture invocations by outcome.
	RecordingsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webrecorder_recordings_finished_total",
		Help: "Finished capture invocations by outcome",
	}, []string{"outcome"})

	// TicksSkipped counts scheduler ticks skipped because a recording was live.
	TicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webrecorder_ticks_skipped_total",
		Help: "Scheduler ticks skipped due to an in-flight recording",
	})

	// TranscodesFinished counts transcode attempts by terminal status.
	TranscodesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webrecorder_transcodes_finished_total",
		Help: "Transcode attempts by terminal status",
	}, []string{"status"})

	// TranscodesActive tracks transcodes currently in processing state.
	TranscodesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webrecorder_transcodes_active",
		Help: "Transcodes currently in processing state",
	})

	// RemuxSessions tracks open live/on-demand remux streams.
	RemuxSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webrecorder_remux_sessions",
		Help: "Open remux gateway sessions",
	})

	// HLSMirrorsActive tracks running HLS mirror pipelines.
	HLSMirrorsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webrecorder_hls_mirrors_active",
		Help: "Running HLS mirror pipelines",
	})

	procTerminate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webrecorder_proc_terminate_total",
		Help: "Signals sent to tracked process groups",
	}, []string{"signal", "result"})

	procWait = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webrecorder_proc_wait_total",
		Help: "Tracked subprocess wait results",
	}, []string{"result"})
)

// IncRecordingFinished records a terminal capture outcome.
func IncRecordingFinished(outcome string) {
	RecordingsFinished.WithLabelValues(outcome).Inc()
}

// IncTranscodeFinished records a terminal transcode status.
func IncTranscodeFinished(status string) {
	TranscodesFinished.WithLabelValues(status).Inc()
}

// IncProcTerminate records a signal delivery attempt.
func IncProcTerminate(signal, result string) {
	procTerminate.WithLabelValues(signal, result).Inc()
}

// IncProcWait records a subprocess wait result.
func IncProcWait(result string) {
	procWait.WithLabelValues(result).Inc()
}
