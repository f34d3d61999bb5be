package metrics

// Prefix is shared by every metric the scheduler exports.
const Prefix = "session_scheduler_"

// Prometheus Labels
const (
	operationLabel    = "operation"
	scalingGroupLabel = "scaling_group"
	strategyLabel     = "strategy"
	errorKindLabel    = "error_kind"
	outcomeLabel      = "outcome"
	statusLabel       = "status"
)
