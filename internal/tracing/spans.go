package tracing

// Span attribute keys for orchestration tracing.
// These constants define the semantic conventions for span attributes
// in the orchestration system.
const (
	// Session attributes
	AttrSessionID    = "session.id"
	AttrSessionState = "session.state"
	AttrLegionID     = "legion.id"
	AttrAdapterType  = "adapter.type"

	// Queue attributes
	AttrQueueID     = "queue.id"
	AttrQueueStatus = "queue.status"

	// Comm attributes
	AttrCommID       = "comm.id"
	AttrCommType     = "comm.type"
	AttrCommPriority = "comm.priority"

	// Message attributes
	AttrMessageType = "message.type"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixCoordinator = "coordinator."
	SpanPrefixRouter      = "router."
	SpanPrefixProcessor   = "processor."
)

// Event names for span events.
const (
	EventSessionCreated   = "session.created"
	EventSessionActive    = "session.active"
	EventMessageQueued    = "message.queued"
	EventMessageDelivered = "message.delivered"
	EventCommRouted       = "comm.routed"
	EventErrorOccurred    = "error.occurred"
)
