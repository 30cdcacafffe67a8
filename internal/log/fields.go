package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID    = "session_id"
	FieldGameID       = "game_id"
	FieldDeviceID     = "device_id"
	FieldLogicalID    = "logical_id"
	FieldSubscriberID = "subscriber_id"
	FieldRunID        = "run_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldScope     = "scope"

	// Bus fields
	FieldTopic = "topic"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	FieldPath = "path"
)
