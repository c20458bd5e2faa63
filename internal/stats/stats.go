// Package stats is the side-channel observer for scheduler events. It is
// injected, never global; Noop is the zero-configuration default.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Registry receives scheduler lifecycle notifications. Implementations must
// be safe for concurrent use and must never block the caller.
type Registry interface {
	ExecutionCompleted()
	ExecutionFailed()
	DeadExecution()
	UnexpectedError()
}

// Noop discards all events.
type Noop struct{}

func (Noop) ExecutionCompleted() {}
func (Noop) ExecutionFailed()    {}
func (Noop) DeadExecution()      {}
func (Noop) UnexpectedError()    {}

// Prometheus counts scheduler events as prometheus counters.
type Prometheus struct {
	completed prometheus.Counter
	failed    prometheus.Counter
	dead      prometheus.Counter
	errors    prometheus.Counter
}

// NewPrometheus registers the scheduler counters on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbsched_executions_completed_total",
			Help: "Executions that ran to completion.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbsched_executions_failed_total",
			Help: "Executions whose handler returned an error.",
		}),
		dead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbsched_executions_dead_total",
			Help: "Executions recovered after their picker stopped heartbeating.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbsched_unexpected_errors_total",
			Help: "Store or dispatch errors outside the normal execution path.",
		}),
	}
	reg.MustRegister(p.completed, p.failed, p.dead, p.errors)
	return p
}

func (p *Prometheus) ExecutionCompleted() { p.completed.Inc() }
func (p *Prometheus) ExecutionFailed()    { p.failed.Inc() }
func (p *Prometheus) DeadExecution()      { p.dead.Inc() }
func (p *Prometheus) UnexpectedError()    { p.errors.Inc() }
