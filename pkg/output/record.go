// Package output provides JSONL output for run listings and reconcile passes.
//
// Output is structured as typed record envelopes. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants follow the pattern spotguard.<type>.v<version>.
const (
	// TypeRun identifies run listing records.
	TypeRun = "spotguard.run.v1"

	// TypeAction identifies per-run reconcile results.
	TypeAction = "spotguard.action.v1"

	// TypeError identifies error records.
	TypeError = "spotguard.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "spotguard.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "spotguard.run.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// PassID correlates the records of one command invocation.
	PassID string `json:"pass_id"`

	// Provider identifies the store provider (e.g., "s3", "file").
	Provider string `json:"provider"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// RunRecord describes one run in a listing.
type RunRecord struct {
	RunID        string `json:"run_id"`
	State        string `json:"state"`
	Status       string `json:"status,omitempty"`
	Attempt      int    `json:"attempt"`
	Instance     string `json:"instance,omitempty"`
	Zone         string `json:"zone,omitempty"`
	HeartbeatAge string `json:"heartbeat_age,omitempty"`

	// Drift is set when status.txt disagrees with the recorded state.
	Drift bool   `json:"drift,omitempty"`
	Error string `json:"error,omitempty"`
}

// ActionRecord is the outcome of reconciling one run.
type ActionRecord struct {
	RunID   string `json:"run_id"`
	Action  string `json:"action,omitempty"`
	Restart string `json:"restart,omitempty"`
	Drift   bool   `json:"drift_detected,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Per-run failures are emitted as records so one bad run does not hide
// the rest of the pass.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// RunID is the run related to this error, if any.
	RunID string `json:"run_id,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeReconcile = "RECONCILE_FAILED"
)

// SummaryRecord closes a reconcile pass.
type SummaryRecord struct {
	Runs            int            `json:"runs"`
	Actions         map[string]int `json:"actions,omitempty"`
	Errors          int            `json:"errors"`
	DryRun          bool           `json:"dry_run"`
	TransitionsHash string         `json:"transitions_hash"`

	// Duration is the total pass duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
