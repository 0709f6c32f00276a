// Package run defines the persistence collaborator for completed runs.
// The orchestrator writes one Record per terminal run; storage backends
// implement Store (in-memory here, MongoDB under features/run/mongo).
package run

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/agentwire/chunk"
)

type (
	// Record is the durable summary of one finished run.
	Record struct {
		// ID is the run identifier.
		ID string `bson:"_id" json:"id"`
		// FinishReason is the run's terminal reason.
		FinishReason string `bson:"finishReason" json:"finishReason"`
		// Text is the concatenated assistant text of the run.
		Text string `bson:"text,omitempty" json:"text,omitempty"`
		// Object is the structured output document, when produced.
		Object json.RawMessage `bson:"object,omitempty" json:"object,omitempty"`
		// Usage aggregates token usage across all steps.
		Usage chunk.Usage `bson:"usage" json:"usage"`
		// Steps is the number of model-call steps executed.
		Steps int `bson:"steps" json:"steps"`
		// Error is the failure message for errored runs.
		Error string `bson:"error,omitempty" json:"error,omitempty"`
		// FinishedAt is the terminal timestamp, UTC.
		FinishedAt time.Time `bson:"finishedAt" json:"finishedAt"`
	}

	// Store persists run records. Implementations must be safe for
	// concurrent use.
	Store interface {
		// Put stores or replaces the record.
		Put(ctx context.Context, rec Record) error
		// Get returns the record with the given run ID, or ErrNotFound.
		Get(ctx context.Context, id string) (Record, error)
		// List returns the most recent records, newest first, capped at
		// limit (0 means no cap).
		List(ctx context.Context, limit int) ([]Record, error)
	}
)

// ErrNotFound is returned by Get when no record exists for the run ID.
var ErrNotFound = errors.New("run: record not found")
