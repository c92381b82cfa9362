package cmdbus

// MetricsSink receives instrumentation events from Worker and
// batchengine.Refresher. It is structurally implemented by
// metrics.Collector; Worker and Refresher only depend on this interface
// so that the optional metrics package never needs to be imported by a
// caller that does not want Prometheus wired in.
//
// Every method is safe to call with a nil receiver's absence in mind:
// Worker and Refresher only invoke these methods when a non-nil
// MetricsSink has been set, so an implementation never needs its own nil
// guards.
type MetricsSink interface {
	// CommandReceived is called once a leased message has been turned
	// into an IN_PROGRESS command, before the handler runs.
	CommandReceived(domain, commandType string)

	// CommandCompleted is called when a command reaches COMPLETED.
	CommandCompleted(domain, commandType string)

	// CommandFailedTransient is called each time a handler's
	// TransientError is recorded against a command, whether or not
	// attempts remain.
	CommandFailedTransient(domain, commandType string)

	// CommandMovedToTSQ is called when a command enters
	// IN_TROUBLESHOOTING_QUEUE.
	CommandMovedToTSQ(domain, commandType string)

	// CommandFailedBusinessRule is called when a command reaches
	// terminal FAILED via a BusinessRuleError.
	CommandFailedBusinessRule(domain, commandType string)

	// BatchCompleted is called the first time a batch stats refresh
	// observes the batch complete, success reporting whether every
	// command in the batch succeeded.
	BatchCompleted(domain string, success bool)

	// WorkerConcurrencyInUse reports the number of handler invocations
	// currently in flight for a domain's Worker.
	WorkerConcurrencyInUse(domain string, n int)
}
