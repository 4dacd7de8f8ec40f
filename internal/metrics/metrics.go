// Package metrics exposes Prometheus collectors for the control session
// engine and serves them over HTTP.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Polling capture metrics
	CaptureRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlink_capture_requests_total",
			Help: "Still-frame capture requests issued",
		},
		[]string{"device"},
	)

	FramesAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlink_frames_applied_total",
			Help: "Frames applied to the display buffer",
		},
		[]string{"device"},
	)

	FramesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlink_frames_dropped_total",
			Help: "Frames discarded (stale device or device-reported error)",
		},
		[]string{"reason"},
	)

	// Congestion metrics
	CongestionDenialsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetlink_congestion_denials_total",
			Help: "Capture requests denied by the congestion controller",
		},
	)

	BackoffActivationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetlink_backoff_activations_total",
			Help: "Backoff cooldowns armed (including re-arms)",
		},
	)

	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetlink_pending_capture_requests",
			Help: "Capture requests currently outstanding",
		},
	)

	// Streaming metrics
	StreamBitrateKbps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetlink_stream_bitrate_kbps",
			Help: "Smoothed inbound stream bitrate",
		},
	)

	StreamFPS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetlink_stream_fps",
			Help: "Smoothed inbound stream frame rate",
		},
	)

	StreamSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlink_stream_sessions_total",
			Help: "Low-latency sessions by outcome",
		},
		[]string{"outcome"},
	)

	// Input metrics
	InputDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlink_input_dispatches_total",
			Help: "Input events dispatched, by channel",
		},
		[]string{"channel"},
	)

	// Message channel metrics
	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlink_messages_received_total",
			Help: "Messages received from the fleet server, by type",
		},
		[]string{"type"},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetlink_reconnects_total",
			Help: "Fleet server reconnect attempts",
		},
	)
)

// Register registers all collectors with the default registry.
func Register() {
	prometheus.MustRegister(
		CaptureRequestsTotal,
		FramesAppliedTotal,
		FramesDroppedTotal,
		CongestionDenialsTotal,
		BackoffActivationsTotal,
		PendingRequests,
		StreamBitrateKbps,
		StreamFPS,
		StreamSessionsTotal,
		InputDispatchesTotal,
		MessagesReceivedTotal,
		ReconnectsTotal,
	)
}

// Serve starts the metrics HTTP listener on addr. It returns the bound
// listener so callers can close it on shutdown.
func Serve(addr string, logger zerolog.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.Serve(ln, mux); err != nil && err != http.ErrServerClosed {
			logger.Debug().Err(err).Msg("metrics listener stopped")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("metrics listening")
	return ln, nil
}
