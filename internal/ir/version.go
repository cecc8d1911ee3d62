package ir

// Version constants for persisted records and the engine.
const (
	// RecordVersion is the schema version of persisted records.
	RecordVersion = "1"

	// EngineVersion is the settlement engine version.
	EngineVersion = "0.1.0"
)
