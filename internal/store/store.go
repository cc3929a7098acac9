// Package store holds the durable implementations of the correlation store
// and the event sink.
package store

import (
	"context"

	"github.com/seantiz/stevedore/internal/correlation"
	"github.com/seantiz/stevedore/internal/model"
)

// Store persists per-run tags and the events reported for each run.
type Store interface {
	correlation.Store

	// ReportEvent appends an event to its run's history.
	ReportEvent(ctx context.Context, ev model.Event) error

	// Events returns a run's events in the order they were reported.
	Events(ctx context.Context, runID string) ([]model.Event, error)

	Close() error
}
