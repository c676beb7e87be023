package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// NewGateway and NewServer register their collectors with the default
// Prometheus registry, which rejects a second registration of the same
// metric, so every test shares one instance of each.
var (
	gatewayMetrics = NewGateway()
	serverMetrics  = NewServer()
)

func TestGatewayDropBytesCounterIncrements(t *testing.T) {
	m := gatewayMetrics
	before := testutil.ToFloat64(m.DropBytes)
	m.DropBytes.Add(5)
	after := testutil.ToFloat64(m.DropBytes)
	require.Equal(t, float64(5), after-before)
}

func TestGatewayFramesDecodedAndTransferErrCounters(t *testing.T) {
	m := gatewayMetrics
	m.FramesDecoded.WithLabelValues("PING").Inc()
	m.FramesDecoded.WithLabelValues("PING").Inc()
	require.Equal(t, float64(2), testutil.ToFloat64(m.FramesDecoded.WithLabelValues("PING")))

	m.FileTransferErr.WithLabelValues("begin").Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(m.FileTransferErr.WithLabelValues("begin")))
}

func TestServerSessionObserverRecordsFPSAndSkips(t *testing.T) {
	m := serverMetrics
	obs := m.ForSession("conn-1")

	obs.RecordFPS(39.5)
	require.Equal(t, 39.5, testutil.ToFloat64(m.PlaybackFPS.WithLabelValues("conn-1")))

	obs.RecordSkipped(3)
	obs.RecordSkipped(0)
	require.Equal(t, float64(3), testutil.ToFloat64(m.SkippedFrames.WithLabelValues("conn-1")))
}

func TestServerBroadcastDropsCounterIncrements(t *testing.T) {
	m := serverMetrics
	before := testutil.ToFloat64(m.BroadcastDrops)
	m.BroadcastDrops.Inc()
	after := testutil.ToFloat64(m.BroadcastDrops)
	require.Equal(t, float64(1), after-before)
}
