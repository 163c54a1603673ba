// Package stats records server activity.
package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives server events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	// FailedToConnect is called when a TLS handshake fails.
	FailedToConnect()
	// RejectedDueToOverload is called for connections answered with 503 and
	// for requests refused by a rate limiter.
	RejectedDueToOverload()
	InvalidRequest()
	RequestStarted()
	RequestEnded(statusCode int)
}

type Nop struct{}

var _ Recorder = Nop{}

func (Nop) ConnectionOpened()      {}
func (Nop) ConnectionClosed()      {}
func (Nop) FailedToConnect()       {}
func (Nop) RejectedDueToOverload() {}
func (Nop) InvalidRequest()        {}
func (Nop) RequestStarted()        {}
func (Nop) RequestEnded(int)       {}

// Prometheus exposes the events as metrics under the "muserver" namespace.
type Prometheus struct {
	ConnectionsOpened prometheus.Counter
	ConnectionsClosed prometheus.Counter
	FailedConnections prometheus.Counter
	RejectedOverload  prometheus.Counter
	InvalidRequests   prometheus.Counter
	ActiveRequests    prometheus.Gauge
	CompletedRequests *prometheus.CounterVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus registers the metrics on reg. It panics if they are
// already registered there.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)

	counter := func(subsystem, name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "muserver",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Prometheus{
		ConnectionsOpened: counter("connections", "opened_total", "Connections accepted and handed to a worker."),
		ConnectionsClosed: counter("connections", "closed_total", "Connections closed after being opened."),
		FailedConnections: counter("connections", "failed_total", "Connections dropped during the TLS handshake."),
		RejectedOverload:  counter("connections", "rejected_overload_total", "Connections and requests refused due to overload."),
		InvalidRequests:   counter("requests", "invalid_total", "Requests rejected before reaching a handler."),
		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "muserver",
			Subsystem: "requests",
			Name:      "active",
			Help:      "Requests currently being handled.",
		}),
		CompletedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "muserver",
			Subsystem: "requests",
			Name:      "completed_total",
			Help:      "Completed requests by status class.",
		}, []string{"class"}),
	}
}

func (p *Prometheus) ConnectionOpened()      { p.ConnectionsOpened.Inc() }
func (p *Prometheus) ConnectionClosed()      { p.ConnectionsClosed.Inc() }
func (p *Prometheus) FailedToConnect()       { p.FailedConnections.Inc() }
func (p *Prometheus) RejectedDueToOverload() { p.RejectedOverload.Inc() }
func (p *Prometheus) InvalidRequest()        { p.InvalidRequests.Inc() }
func (p *Prometheus) RequestStarted()        { p.ActiveRequests.Inc() }

func (p *Prometheus) RequestEnded(statusCode int) {
	p.ActiveRequests.Dec()
	p.CompletedRequests.WithLabelValues(StatusClass(statusCode)).Inc()
}

// StatusClass maps 404 to "4xx".
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
