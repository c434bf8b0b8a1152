package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/source"
)

// Bootstrap positions a source's cursor on first run. It asks the provider
// for the change id at the configured backfill date and persists it, so the
// first drain yields every change after that point.
type Bootstrap struct {
	cursors      CursorStore
	backfillDate string
	backoff      Backoff
	writeTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// Seed resolves and stores the initial cursor for a. It must only be called
// for sources that have no cursor; an existing higher cursor is never moved
// back.
func (b *Bootstrap) Seed(ctx context.Context, a source.Adapter) (*model.ChangeCursor, error) {
	src := a.Source()

	if err := source.ValidateDate(b.backfillDate); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSeedFailed, src, err)
	}

	var id int64
	err := Retry(ctx, b.backoff, upstreamRetryable, func() error {
		var err error
		id, err = a.ChangeIDForDate(ctx, b.backfillDate)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: resolving change id for %s: %w", ErrSeedFailed, src, b.backfillDate, err)
	}

	cur := model.ChangeCursor{Source: src, LastChangeID: id, LastSyncedAt: b.now()}
	err = Retry(ctx, b.backoff, storeRetryable, func() error {
		wctx, cancel := context.WithTimeout(ctx, b.writeTimeout)
		defer cancel()
		return b.cursors.AdvanceCursor(wctx, cur)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: saving cursor: %w", ErrSeedFailed, src, err)
	}

	b.log.Info("seeded change cursor",
		"source", src,
		"backfill_date", b.backfillDate,
		"change_id", id,
	)
	return &cur, nil
}
