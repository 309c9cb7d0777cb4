// Package metrics exports controller progress as Prometheus metrics.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/openziti/vmlab/kernel/model"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds the collectors of one controller process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	phaseDuration *prometheus.HistogramVec
	instanceState *prometheus.GaugeVec
	appEvents     *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
}

var instanceStates = []model.InstanceState{
	model.InstanceLaunching,
	model.InstanceBooting,
	model.InstanceSetup,
	model.InstanceReady,
	model.InstanceRunning,
	model.InstanceStopping,
	model.InstanceDestroyed,
	model.InstanceFailed,
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vmlab_phase_duration_seconds",
				Help:    "Time spent in each testbed phase",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"phase"},
		),
		instanceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vmlab_instance_state",
				Help: "1 for the current state of each instance, 0 otherwise",
			},
			[]string{"tag", "instance", "state"},
		),
		appEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vmlab_application_events_total",
				Help: "Reports received from application agents, by kind",
			},
			[]string{"kind"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vmlab_errors_total",
				Help: "Errors recorded by the controller, by class",
			},
			[]string{"class"},
		),
	}
	m.registry.MustRegister(m.phaseDuration, m.instanceState, m.appEvents, m.errorsTotal)
	return m
}

func (m *Metrics) ObservePhase(phase model.Phase, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
}

// InstanceState matches supervisor.StateObserver.
func (m *Metrics) InstanceState(tag, instance string, state model.InstanceState) {
	if m == nil {
		return
	}
	for _, s := range instanceStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.instanceState.WithLabelValues(tag, instance, string(s)).Set(v)
	}
}

func (m *Metrics) ApplicationEvent(kind string) {
	if m == nil {
		return
	}
	m.appEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) Error(err error) {
	if m == nil || err == nil {
		return
	}
	m.errorsTotal.WithLabelValues(model.ClassOf(err).String()).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on listen until ctx is done.
func (m *Metrics) Serve(ctx context.Context, listen string, log *logrus.Entry) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Wrapf(err, "unable to listen for metrics on [%s]", listen)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	log.Infof("serving metrics on [%s]", ln.Addr())
	return nil
}
