package tracing

// Span attribute keys shared across packages. Subject ids are never
// recorded as attributes.
const (
	AttrRunKind     = "custodian.run_kind"
	AttrFailedTasks = "custodian.failed_tasks"
	AttrEntityClass = "custodian.entity_class"
	AttrOperation   = "custodian.operation"
	AttrOutcome     = "custodian.outcome"
	AttrFormat      = "custodian.format"
	AttrBranch      = "custodian.branch"
)
