package tasks

import "encoding/json"

// ---
// QUEUE DEFINITIONS
// ---
// We define all queue names as constants here.
const (
	// QueueSegmentGeneration carries reserved episode segments to the
	// generation worker.
	QueueSegmentGeneration = "q_segment_generation"

	// QueueRehearsalGeneration carries submitted rehearsals. Same
	// coin discipline, separate queue so rehearsals don't starve
	// episode production.
	QueueRehearsalGeneration = "q_rehearsal_generation"
)

// ---
// TASK PAYLOADS
// ---
// These are the structs that will be JSON-marshalled and sent to Redis.

// SegmentTaskPayload is the payload for QueueSegmentGeneration. The
// job is already reserved when this is enqueued.
type SegmentTaskPayload struct {
	JobID uint `json:"job_id"`
}

// RehearsalTaskPayload is the payload for QueueRehearsalGeneration.
type RehearsalTaskPayload struct {
	JobID       uint `json:"job_id"`
	RehearsalID uint `json:"rehearsal_id"`
}

// ---
// HELPER FUNCTIONS
// ---

// Marshal creates a JSON payload for a task.
func Marshal(payload interface{}) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
