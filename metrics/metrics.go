// Package metrics provides the Prometheus instrumentation cmdbus wires
// optionally into Worker and batchengine.Refresher. Metric names
// and the counter/gauge split are grounded on
// fairyhunter13-ai-cv-evaluator's internal/adapter/observability package
// (JobsEnqueuedTotal/JobsProcessing/JobsCompletedTotal/JobsFailedTotal),
// adapted from that package's job vocabulary to commands, batches and
// worker concurrency.
//
// Unlike that teacher's package-level prometheus.MustRegister(...) in an
// init(), Collector is a constructed value registered against a caller-
// supplied prometheus.Registerer, so no package-level mutable state is
// involved: two Collectors, e.g. for two domains sharing one process,
// never collide on Prometheus's default registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector implements cmdbus.MetricsSink structurally: its method set
// matches that interface without importing the root package.
type Collector struct {
	commandsReceived   *prometheus.CounterVec
	commandsCompleted  *prometheus.CounterVec
	commandsTransient  *prometheus.CounterVec
	commandsTSQ        *prometheus.CounterVec
	commandsBusinessRule *prometheus.CounterVec
	batchesCompleted  *prometheus.CounterVec
	workerConcurrency *prometheus.GaugeVec
}

// New builds a Collector and registers its metrics against reg. reg is
// typically a *prometheus.Registry owned by the embedding application;
// passing prometheus.DefaultRegisterer reproduces the teacher's
// global-registry behavior for callers that want it.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		commandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_commands_received_total",
			Help: "Total number of commands received (leased) by a worker, by domain and command type.",
		}, []string{"domain", "command_type"}),
		commandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_commands_completed_total",
			Help: "Total number of commands that reached COMPLETED, by domain and command type.",
		}, []string{"domain", "command_type"}),
		commandsTransient: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_commands_transient_failures_total",
			Help: "Total number of TransientError results recorded against a command, by domain and command type.",
		}, []string{"domain", "command_type"}),
		commandsTSQ: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_commands_troubleshooting_total",
			Help: "Total number of commands moved to IN_TROUBLESHOOTING_QUEUE, by domain and command type.",
		}, []string{"domain", "command_type"}),
		commandsBusinessRule: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_commands_failed_total",
			Help: "Total number of commands that reached terminal FAILED via a BusinessRuleError, by domain and command type.",
		}, []string{"domain", "command_type"}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_batches_completed_total",
			Help: "Total number of batches observed complete by a stats refresh, labeled by whether any command in the batch did not succeed.",
		}, []string{"domain", "outcome"}),
		workerConcurrency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cmdbus_worker_concurrency_in_use",
			Help: "Number of handler invocations currently in flight for a domain's Worker.",
		}, []string{"domain"}),
	}
	reg.MustRegister(
		c.commandsReceived,
		c.commandsCompleted,
		c.commandsTransient,
		c.commandsTSQ,
		c.commandsBusinessRule,
		c.batchesCompleted,
		c.workerConcurrency,
	)
	return c
}

// CommandReceived implements cmdbus.MetricsSink.
func (c *Collector) CommandReceived(domain, commandType string) {
	c.commandsReceived.WithLabelValues(domain, commandType).Inc()
}

// CommandCompleted implements cmdbus.MetricsSink.
func (c *Collector) CommandCompleted(domain, commandType string) {
	c.commandsCompleted.WithLabelValues(domain, commandType).Inc()
}

// CommandFailedTransient implements cmdbus.MetricsSink.
func (c *Collector) CommandFailedTransient(domain, commandType string) {
	c.commandsTransient.WithLabelValues(domain, commandType).Inc()
}

// CommandMovedToTSQ implements cmdbus.MetricsSink.
func (c *Collector) CommandMovedToTSQ(domain, commandType string) {
	c.commandsTSQ.WithLabelValues(domain, commandType).Inc()
}

// CommandFailedBusinessRule implements cmdbus.MetricsSink.
func (c *Collector) CommandFailedBusinessRule(domain, commandType string) {
	c.commandsBusinessRule.WithLabelValues(domain, commandType).Inc()
}

// BatchCompleted implements cmdbus.MetricsSink.
func (c *Collector) BatchCompleted(domain string, success bool) {
	outcome := "completed"
	if !success {
		outcome = "completed_with_failures"
	}
	c.batchesCompleted.WithLabelValues(domain, outcome).Inc()
}

// WorkerConcurrencyInUse implements cmdbus.MetricsSink.
func (c *Collector) WorkerConcurrencyInUse(domain string, n int) {
	c.workerConcurrency.WithLabelValues(domain).Set(float64(n))
}
