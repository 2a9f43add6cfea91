package homie

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK       = "ok"
	resultDropped  = "dropped"
	resultRejected = "rejected"
)

// Metrics counts transport activity. A nil *Metrics counts nothing.
type Metrics struct {
	Published     *prometheus.CounterVec
	Received      *prometheus.CounterVec
	PublishErrors prometheus.Counter
	Connections   prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homie",
			Name:      "messages_published_total",
			Help:      "Messages published to the broker.",
		}, []string{"retained"}),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homie",
			Name:      "messages_received_total",
			Help:      "Set messages received, by result (ok, dropped, rejected).",
		}, []string{"result"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homie",
			Name:      "publish_errors_total",
			Help:      "Publish, subscribe and unsubscribe requests the broker did not complete.",
		}),
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homie",
			Name:      "connections_total",
			Help:      "Successful connections and reconnections to the broker.",
		}),
	}

	for _, c := range []prometheus.Collector{m.Published, m.Received, m.PublishErrors, m.Connections} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) published(retained bool) {
	if m != nil {
		m.Published.WithLabelValues(strconv.FormatBool(retained)).Inc()
	}
}

func (m *Metrics) received(result string) {
	if m != nil {
		m.Received.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) publishFailed() {
	if m != nil {
		m.PublishErrors.Inc()
	}
}

func (m *Metrics) connected() {
	if m != nil {
		m.Connections.Inc()
	}
}

// CountPublished counts one outbound message.
func (m *Metrics) CountPublished(retained bool) { m.published(retained) }

// CountReceived counts one inbound message: ok, dropped or rejected.
func (m *Metrics) CountReceived(err error, routed bool) {
	switch {
	case !routed:
		m.received(resultDropped)
	case err != nil:
		m.received(resultRejected)
	default:
		m.received(resultOK)
	}
}

// CountPublishError counts one failed request.
func (m *Metrics) CountPublishError() { m.publishFailed() }

// CountConnection counts one successful connection.
func (m *Metrics) CountConnection() { m.connected() }
