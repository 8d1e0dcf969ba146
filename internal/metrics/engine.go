package metrics

// Engine-level metrics, registered on the default collector.
var (
	MessagesPublished = Default.Counter("roundtable_messages_published_total",
		"Messages appended to the conversation log")
	MessagesSuppressed = Default.Counter("roundtable_messages_suppressed_total",
		"Agent messages dropped by the loop detector")
	LoopRewrites = Default.Counter("roundtable_loop_rewrites_total",
		"Coordinator messages rewritten by the loop detector")
	OracleDecisions = Default.Counter("roundtable_oracle_decisions_total",
		"Decision collaborator calls")
	GenerationFailures = Default.Counter("roundtable_generation_failures_total",
		"Generation calls that failed and sidelined an agent")
	StallNudges = Default.Counter("roundtable_stall_nudges_total",
		"System messages synthesized by the stall monitor")
	QueueDepth = Default.Gauge("roundtable_queue_depth",
		"Agents currently waiting in the response queue")
	GenerationSeconds = Default.Histogram("roundtable_generation_seconds",
		"Latency of generation collaborator calls",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120})
)
