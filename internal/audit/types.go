package audit

import "time"

// EventType represents the type of journal event
type EventType string

const (
	// Detection events
	EventAnomalyDetected EventType = "anomaly.detected"

	// Model lifecycle events
	EventModelTrained      EventType = "model.trained"
	EventEngineInitialized EventType = "engine.initialized"
	EventEngineReset       EventType = "engine.reset"

	// Configuration events
	EventConfigLoaded EventType = "config.loaded"
	EventConfigReload EventType = "config.reload"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
	EventRetentionPrune EventType = "system.retention_prune"
)

// Result represents the outcome of a journaled operation
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
)

// Event represents a single journal entry
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Subject of the event
	ServerID string `json:"server_id,omitempty"`
	Metric   string `json:"metric,omitempty"`
	Severity string `json:"severity,omitempty"`

	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Error string `json:"error,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new journal event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithServer sets the server the event concerns
func (e *Event) WithServer(serverID string) *Event {
	e.ServerID = serverID
	return e
}

// WithMetric sets the metric the event concerns
func (e *Event) WithMetric(metric string) *Event {
	e.Metric = metric
	return e
}

// WithSeverity sets the severity
func (e *Event) WithSeverity(severity string) *Event {
	e.Severity = severity
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError records err and marks the event failed
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
