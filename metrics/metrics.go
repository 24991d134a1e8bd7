// Package metrics holds the prometheus collectors of the playback engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure stages used as the "stage" label.
const (
	StageDownload = "download"
	StageDecode   = "decode"
	StageEncoder  = "encoder"
	StageMetadata = "metadata"
)

var (
	// TracksPlayed counts finished tracks by origin (queue, fallback).
	TracksPlayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queuefm_tracks_played_total",
		Help: "Total number of tracks streamed to the end or skipped, by origin.",
	}, []string{"origin"})

	// TrackFailures counts failed attempts by pipeline stage.
	TrackFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queuefm_track_failures_total",
		Help: "Total number of failed track attempts, by stage.",
	}, []string{"stage"})

	// TracksDropped counts queue items dropped after reaching the retry limit.
	TracksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queuefm_tracks_dropped_total",
		Help: "Total number of queue items dropped after repeated failures.",
	})

	// PreloadResults counts preload attempts by result (ready, discarded, failed, hit).
	PreloadResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queuefm_preload_results_total",
		Help: "Total number of preload outcomes, by result.",
	}, []string{"result"})

	// EncoderRestarts counts encoder process starts after the first one.
	EncoderRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queuefm_encoder_restarts_total",
		Help: "Total number of encoder restarts.",
	})

	// Votes counts cast votes by kind (skip, duration_yes, duration_no).
	Votes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queuefm_votes_total",
		Help: "Total number of votes cast, by kind.",
	}, []string{"kind"})

	// Listeners tracks connected realtime clients.
	Listeners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queuefm_listeners",
		Help: "Current number of connected realtime clients.",
	})

	// QueueLength tracks the number of waiting queue items.
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queuefm_queue_length",
		Help: "Current number of items waiting in the queue.",
	})

	// StreamOnline is 1 while the encoder is connected.
	StreamOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queuefm_stream_online",
		Help: "1 when the encoder is publishing to the origin.",
	})
)
