// Package metrics provides Prometheus metrics for the capture and streaming clients.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fieldvoice"

// Client labels used on the connection metrics.
const (
	ClientPublisher  = "publisher"
	ClientSubscriber = "subscriber"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// so components can be constructed without a registry in tests.
type Metrics struct {
	// Capture
	ChunksCaptured prometheus.Counter
	SilenceChunks  prometheus.Counter
	CaptureStalls  prometheus.Counter
	DeviceRestarts prometheus.Counter

	// Publisher connection
	ChunksSent        *prometheus.CounterVec
	AudioBytesSent    prometheus.Counter
	SendErrors        prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	ReconnectAttempts *prometheus.CounterVec
	HealthForceCloses prometheus.Counter
	ConnectionState   *prometheus.GaugeVec

	// Turns
	TurnSnapshots prometheus.Counter
	TurnsExposed  prometheus.Gauge

	// Relay playback
	RelayChunksPlayed  prometheus.Counter
	RelayChunksDropped prometheus.Counter
	RelayUnderruns     prometheus.Counter

	// Event export
	EventsPublished *prometheus.CounterVec
}

// New creates all collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChunksCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_chunks_total",
			Help:      "PCM chunks delivered by the capture device",
		}),
		SilenceChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_silence_chunks_total",
			Help:      "Synthetic silence chunks emitted while paused or interrupted",
		}),
		CaptureStalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_stalls_total",
			Help:      "Capture stalls detected",
		}),
		DeviceRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_device_restarts_total",
			Help:      "Capture device reinitializations",
		}),
		ChunksSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_sent_total",
			Help:      "Audio chunks written to the session connection",
		}, []string{"format"}),
		AudioBytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "PCM bytes written to the session connection",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_send_errors_total",
			Help:      "Failed audio writes",
		}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages by client and type",
		}, []string{"client", "type"}),
		ReconnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts by client",
		}, []string{"client"}),
		HealthForceCloses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_force_closes_total",
			Help:      "Connections force-closed by the liveness check",
		}),
		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 idle, 1 connecting, 2 ready, 3 reconnecting, 4 ended)",
		}, []string{"client"}),
		TurnSnapshots: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_snapshots_total",
			Help:      "Turn snapshots applied to the cache",
		}),
		TurnsExposed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turns_exposed",
			Help:      "Turns in the current snapshot",
		}),
		RelayChunksPlayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_chunks_played_total",
			Help:      "Relayed audio chunks handed to the player",
		}),
		RelayChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_chunks_dropped_total",
			Help:      "Relayed audio chunks dropped because the queue was full",
		}),
		RelayUnderruns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_underruns_total",
			Help:      "Times the relay buffer ran dry and went back to pre-buffering",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Exported events by kind and result",
		}, []string{"kind", "result"}),
	}
}

func (m *Metrics) ChunkCaptured(silent bool) {
	if m == nil {
		return
	}
	if silent {
		m.SilenceChunks.Inc()
		return
	}
	m.ChunksCaptured.Inc()
}

func (m *Metrics) StallDetected() {
	if m == nil {
		return
	}
	m.CaptureStalls.Inc()
}

func (m *Metrics) DeviceRestarted() {
	if m == nil {
		return
	}
	m.DeviceRestarts.Inc()
}

func (m *Metrics) ChunkSent(format string, bytes int) {
	if m == nil {
		return
	}
	m.ChunksSent.WithLabelValues(format).Inc()
	m.AudioBytesSent.Add(float64(bytes))
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}

func (m *Metrics) MessageReceived(client, msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(client, msgType).Inc()
}

func (m *Metrics) ReconnectAttempt(client string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(client).Inc()
}

func (m *Metrics) HealthForceClose() {
	if m == nil {
		return
	}
	m.HealthForceCloses.Inc()
}

func (m *Metrics) SetConnectionState(client string, state int) {
	if m == nil {
		return
	}
	m.ConnectionState.WithLabelValues(client).Set(float64(state))
}

func (m *Metrics) SnapshotApplied(turns int) {
	if m == nil {
		return
	}
	m.TurnSnapshots.Inc()
	m.TurnsExposed.Set(float64(turns))
}

func (m *Metrics) RelayPlayed() {
	if m == nil {
		return
	}
	m.RelayChunksPlayed.Inc()
}

func (m *Metrics) RelayDropped() {
	if m == nil {
		return
	}
	m.RelayChunksDropped.Inc()
}

func (m *Metrics) RelayUnderrun() {
	if m == nil {
		return
	}
	m.RelayUnderruns.Inc()
}

func (m *Metrics) EventPublished(kind string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(kind, result).Inc()
}
