package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/receiptio/receiptd/constants"
	"github.com/receiptio/receiptd/internal/extract"
)

// PayloadVersion is written into every enqueued payload. The enqueuing
// process and the worker process share only the queue database, so the
// payload is an explicit versioned wire type, never in-memory state.
const PayloadVersion = 1

// Payload identifies the uploaded file and the placeholder record a job
// will enrich.
type Payload struct {
	Version  int    `json:"version"`
	FileRef  string `json:"file_ref"`
	Filename string `json:"filename"`
	ImageRef string `json:"image_ref"`
	RecordID string `json:"record_id"`
}

// payloadSchema guards the wire format between the two processes.
var payloadSchema = jsonschema.MustCompileString("payload.json", `{
	"type": "object",
	"additionalProperties": false,
	"required": ["version", "file_ref", "filename", "image_ref", "record_id"],
	"properties": {
		"version":   {"type": "integer", "minimum": 1},
		"file_ref":  {"type": "string", "minLength": 1},
		"filename":  {"type": "string", "minLength": 1},
		"image_ref": {"type": "string", "minLength": 1},
		"record_id": {"type": "string", "minLength": 1}
	}
}`)

// ValidatePayload checks serialized payload bytes against the wire schema.
func ValidatePayload(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := payloadSchema.Validate(v); err != nil {
		return fmt.Errorf("payload does not match schema: %w", err)
	}
	return nil
}

// Job is one unit of recognition work moving through the queue state
// machine: waiting -> active -> completed|failed, with failed attempts
// re-entering delayed until the retry budget runs out.
type Job struct {
	ID            string
	Payload       Payload
	State         constants.JobState
	Progress      int
	Attempts      int
	MaxAttempts   int
	RunAfter      time.Time
	Result        *extract.ExtractedData
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Status is the read model exposed for external polling. Result is
// meaningful only when State is completed, FailureReason only when failed.
type Status struct {
	ID            string                 `json:"id"`
	State         constants.JobState     `json:"state"`
	Progress      int                    `json:"progress"`
	Result        *extract.ExtractedData `json:"result,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at"`
}
