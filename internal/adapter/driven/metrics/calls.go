// Package metrics exports call and presence activity to Prometheus.
package metrics

import (
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Recorder struct {
	callsStarted        *prometheus.CounterVec
	callsFinished       *prometheus.CounterVec
	callsActive         prometheus.Gauge
	callSetup           prometheus.Histogram
	presenceTransitions *prometheus.CounterVec
}

// NewRecorder registers the collectors on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		callsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_started_total",
			Help: "Call sessions created, by direction and media type",
		}, []string{"direction", "media_type"}),
		callsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_finished_total",
			Help: "Call sessions that reached a terminal state",
		}, []string{"state"}),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "calls_active",
			Help: "Call sessions not yet terminal",
		}),
		callSetup: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "call_setup_seconds",
			Help:    "Time from session creation to media connected",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		}),
		presenceTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_transitions_total",
			Help: "Observed presence transitions, by new status",
		}, []string{"status"}),
	}
}

// ObserveState is a CallManager state observer.
func (r *Recorder) ObserveState(c service.StateChange) {
	s := c.Session
	if c.From == domain.StateIdle {
		r.callsStarted.WithLabelValues(string(s.Direction), string(s.MediaType)).Inc()
		r.callsActive.Inc()
	}
	if c.To == domain.StateConnected {
		r.callSetup.Observe(s.LastTransitionAt.Sub(s.CreatedAt).Seconds())
	}
	if c.To.IsTerminal() {
		r.callsFinished.WithLabelValues(string(c.To)).Inc()
		r.callsActive.Dec()
	}
}

// ObservePresence is a PresenceTracker subscriber.
func (r *Recorder) ObservePresence(p domain.UserPresence) {
	r.presenceTransitions.WithLabelValues(string(p.Status)).Inc()
}
