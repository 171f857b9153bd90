package progress

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"otplink/services/store"
)

var Module = fx.Module("progress",
	fx.Provide(
		New,
		func(s *store.Store) Store { return s },
	),
)

// Store is the slice of the persistence contract the state machine needs.
type Store interface {
	GetProgress(ctx context.Context, phone string) (*store.NumberProgress, error)
	InitProgress(ctx context.Context, phone string, userID int64) error
	SetStage(ctx context.Context, phone string, index int, done bool) error
	MarkCompleted(ctx context.Context, phone string) error
}

// Tracker is the resumable four-stage state machine per identifier. Every
// mutation goes through the persistence backend; nothing durable is cached
// in memory across a pipeline run.
type Tracker struct {
	store Store
}

func New(s Store) *Tracker {
	return &Tracker{store: s}
}

// Ensure idempotently creates the progress record for the identifier.
func (t *Tracker) Ensure(ctx context.Context, phone string, userID int64) error {
	return t.store.InitProgress(ctx, phone, userID)
}

// Get returns the current record, or nil when none exists.
func (t *Tracker) Get(ctx context.Context, phone string) (*store.NumberProgress, error) {
	return t.store.GetProgress(ctx, phone)
}

// SetStage persists one stage flag (1-based index).
func (t *Tracker) SetStage(ctx context.Context, phone string, index int) error {
	if index < 1 || index > store.StageCount {
		return fmt.Errorf("stage index %d out of range", index)
	}
	return t.store.SetStage(ctx, phone, index, true)
}

// TryComplete is the single authoritative completion check: it re-reads all
// stage flags and marks the record completed only when every one is set. The
// transition never reverses.
func (t *Tracker) TryComplete(ctx context.Context, phone string) (bool, error) {
	rec, err := t.store.GetProgress(ctx, phone)
	if err != nil {
		return false, err
	}
	if rec == nil || !rec.AllLinked() {
		return false, nil
	}
	if err := t.store.MarkCompleted(ctx, phone); err != nil {
		return false, err
	}
	return true, nil
}

// IncompleteStages returns the 1-based indices still unset, ascending. An
// identifier with no record needs all four stages.
func (t *Tracker) IncompleteStages(ctx context.Context, phone string) ([]int, error) {
	rec, err := t.store.GetProgress(ctx, phone)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return []int{1, 2, 3, 4}, nil
	}

	var out []int
	for i, done := range rec.Stages() {
		if !done {
			out = append(out, i+1)
		}
	}
	return out, nil
}

// LinkedCount reports how many stages are already done.
func (t *Tracker) LinkedCount(ctx context.Context, phone string) (int, error) {
	rec, err := t.store.GetProgress(ctx, phone)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, nil
	}
	return rec.LinkedCount(), nil
}
