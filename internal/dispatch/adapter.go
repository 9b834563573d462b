// Package dispatch hands claimed batches to the analysis backend and reports
// a typed verdict back to the scheduler.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// Result is the analysis outcome for one batch. The fields are decoded
// strictly from the backend response; schema drift is surfaced as an error
// instead of silently yielding zero values.
type Result struct {
	Intent     string          `json:"intent"`
	Summary    string          `json:"summary"`
	Confidence float64         `json:"confidence"`
	Raw        json.RawMessage `json:"-"`
}

// Validate rejects responses that drifted from the expected schema.
func (r *Result) Validate() error {
	if r.Intent == "" {
		return fmt.Errorf("analysis result: missing intent")
	}
	if r.Summary == "" {
		return fmt.Errorf("analysis result: missing summary")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("analysis result: confidence %v out of range", r.Confidence)
	}
	return nil
}

// Adapter performs the analysis call for a claimed batch. From the
// scheduler's perspective the call is synchronous and binary: a Result or an
// error. Retry and timeout policy live inside the adapter.
type Adapter interface {
	Dispatch(ctx context.Context, b *store.Batch) (*Result, error)
}
