// Package storage defines the append-only pass journal. Operators read it to
// audit what each loop did; scheduling decisions never consult it.
package storage

import (
	"context"
	"time"
)

// Outcome values recorded for a pass.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// PassRecord is one loop pass over one course group.
type PassRecord struct {
	ID         int64
	RunID      string
	Loop       string
	Group      string
	Outcome    string
	Detail     string
	LastError  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Filter narrows ListPasses. Zero values match everything.
type Filter struct {
	Loop  string
	Group string
	Limit int
}

// Journal persists pass records.
type Journal interface {
	AppendPass(ctx context.Context, pass PassRecord) error
	ListPasses(ctx context.Context, filter Filter) ([]PassRecord, error)
}
