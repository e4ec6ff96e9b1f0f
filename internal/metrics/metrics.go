// Package metrics records run, phase, sweep and poll metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/CZERTAINLY/qarun/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is implemented by Prometheus and Nop.
type Recorder interface {
	RunFinished(outcome string)
	PhaseFinished(phase, outcome string, d time.Duration)
	SweepPid(result string)
	PollError()
	Jobs(byStatus map[model.Status]int)
}

// Sweep results.
const (
	SweepStopped = "stopped"
	SweepGone    = "gone"
	SweepFailed  = "failed"
)

type Nop struct{}

func (Nop) RunFinished(string)                          {}
func (Nop) PhaseFinished(string, string, time.Duration) {}
func (Nop) SweepPid(string)                             {}
func (Nop) PollError()                                  {}
func (Nop) Jobs(map[model.Status]int)                   {}

// Prometheus is a Recorder with its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	sweepPids     *prometheus.CounterVec
	pollErrors    prometheus.Counter
	jobs          *prometheus.GaugeVec
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &Prometheus{
		registry: registry,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qarun_runs_total",
			Help: "Total number of finished runs by outcome.",
		}, []string{"outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qarun_phase_duration_seconds",
			Help:    "Duration of phase scripts.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"phase", "outcome"}),
		sweepPids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qarun_sweep_pids_total",
			Help: "Pids handled by ledger sweeps by result.",
		}, []string{"result"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qarun_poll_errors_total",
			Help: "Failed job store polls.",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qarun_jobs",
			Help: "Jobs in the last polled snapshot by status.",
		}, []string{"status"}),
	}

	registry.MustRegister(p.runs)
	registry.MustRegister(p.phaseDuration)
	registry.MustRegister(p.sweepPids)
	registry.MustRegister(p.pollErrors)
	registry.MustRegister(p.jobs)
	return p
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) RunFinished(outcome string) {
	p.runs.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) PhaseFinished(phase, outcome string, d time.Duration) {
	p.phaseDuration.WithLabelValues(phase, outcome).Observe(d.Seconds())
}

func (p *Prometheus) SweepPid(result string) {
	p.sweepPids.WithLabelValues(result).Inc()
}

func (p *Prometheus) PollError() {
	p.pollErrors.Inc()
}

func (p *Prometheus) Jobs(byStatus map[model.Status]int) {
	for _, st := range model.AllStatuses {
		p.jobs.WithLabelValues(string(st)).Set(float64(byStatus[st]))
	}
}
