// Package sync drives incremental catalogue sync for ListingRelay. For each
// registered source it drains the provider's change feed from the persisted
// cursor, normalises and applies every record to the catalogue, and advances
// the cursor only once the whole batch has been written.
//
// The package contains three main components:
//
//   - [Reconciler] runs one poll-apply-advance tick for one source.
//   - [Engine] schedules ticks per source and tracks each source's state.
//   - [Bootstrap] seeds missing cursors from the configured backfill date.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/state"
)

// VehicleStore is the write side of the catalogue.
// Implemented by [catalog.Store].
type VehicleStore interface {
	Upsert(ctx context.Context, v *model.Vehicle) (changed bool, err error)
	Tombstone(ctx context.Context, src model.Source, externalID string, at time.Time) (changed bool, err error)
}

// CursorStore persists per-source change cursors and run history.
// Implemented by [state.Store].
type CursorStore interface {
	GetCursor(ctx context.Context, src model.Source) (*model.ChangeCursor, error)
	AdvanceCursor(ctx context.Context, c model.ChangeCursor) error
	ResetCursor(ctx context.Context, src model.Source, changeID int64, at time.Time) error
	RecordRun(ctx context.Context, r state.Run) (int64, error)
}
