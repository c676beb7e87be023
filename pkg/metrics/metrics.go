// Package metrics holds the process-wide Prometheus collectors for the
// slave-gateway and lightserver binaries. The two binaries observe
// disjoint components (wire parsing/dispatch/file transfer on the slave
// side, playback/broadcast on the server side), so each gets its own
// collector set rather than one struct with fields that would always
// read zero in the other process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics is the collector set for cmd/slave-gateway: the stream
// parser, dispatcher, and file receiver that run on the slave side.
type GatewayMetrics struct {
	DropBytes       prometheus.Counter
	FramesDecoded   *prometheus.CounterVec
	FileTransferErr *prometheus.CounterVec
}

// NewGateway creates and registers slave-gateway's collectors.
func NewGateway() *GatewayMetrics {
	return &GatewayMetrics{
		DropBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pixelpipe_stream_drop_bytes_total",
			Help: "Bytes discarded by the stream parser while resynchronizing after noise or corruption.",
		}),
		FramesDecoded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelpipe_frames_decoded_total",
			Help: "Wire frames successfully decoded, by command name.",
		}, []string{"command"}),
		FileTransferErr: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelpipe_file_transfer_errors_total",
			Help: "File receiver failures, by kind.",
		}, []string{"kind"}),
	}
}

// Handler returns the /metrics HTTP handler.
func (m *GatewayMetrics) Handler() http.Handler {
	return promhttp.Handler()
}

// ServerMetrics is the collector set for cmd/lightserver: playback
// sessions and the broadcast hub.
type ServerMetrics struct {
	PlaybackFPS    *prometheus.GaugeVec
	SkippedFrames  *prometheus.CounterVec
	BroadcastDrops prometheus.Counter
}

// NewServer creates and registers lightserver's collectors.
func NewServer() *ServerMetrics {
	return &ServerMetrics{
		PlaybackFPS: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pixelpipe_playback_fps",
			Help: "Actual measured playback emission rate per session.",
		}, []string{"session"}),
		SkippedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelpipe_playback_skipped_frames_total",
			Help: "Frames advanced without emission to catch up after scheduler lag.",
		}, []string{"session"}),
		BroadcastDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pixelpipe_broadcast_oldest_drop_total",
			Help: "Frames discarded from a broadcast member's queue because it was full.",
		}),
	}
}

// Handler returns the /metrics HTTP handler.
func (m *ServerMetrics) Handler() http.Handler {
	return promhttp.Handler()
}

// SessionObserver adapts a session-labeled slice of ServerMetrics to
// playback.Observer.
type SessionObserver struct {
	m    *ServerMetrics
	name string
}

// ForSession returns an Observer that labels its playback samples with
// the given session name.
func (m *ServerMetrics) ForSession(name string) SessionObserver {
	return SessionObserver{m: m, name: name}
}

func (o SessionObserver) RecordFPS(actual float64) {
	o.m.PlaybackFPS.WithLabelValues(o.name).Set(actual)
}

func (o SessionObserver) RecordSkipped(n int) {
	if n > 0 {
		o.m.SkippedFrames.WithLabelValues(o.name).Add(float64(n))
	}
}
