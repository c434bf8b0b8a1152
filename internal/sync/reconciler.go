package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/normalize"
	"github.com/njoerd114/listingrelay/internal/source"
	"github.com/njoerd114/listingrelay/internal/state"
)

// Tick failure classes. Each wraps the underlying cause, so callers can also
// test for the source error kinds such as [source.ErrUpstreamUnavailable].
var (
	ErrUnknownSource  = errors.New("unknown source")
	ErrSeedFailed     = errors.New("seeding change cursor failed")
	ErrDrainFailed    = errors.New("draining change feed failed")
	ErrApplyFailed    = errors.New("applying change batch failed")
	ErrCursorPersist  = errors.New("persisting change cursor failed")
	ErrTickInProgress = errors.New("tick already in progress")
)

const (
	defaultWriteTimeout  = 10 * time.Second
	defaultShutdownGrace = 30 * time.Second
)

// Stats describes one tick of one source.
type Stats struct {
	Seeded     bool  `json:"seeded"`
	CursorFrom int64 `json:"cursor_from"`
	CursorTo   int64 `json:"cursor_to"`
	Drained    int   `json:"drained"`
	Applied    int   `json:"applied"`
	Unchanged  int   `json:"unchanged"`
	Tombstoned int   `json:"tombstoned"`
	Skipped    int   `json:"skipped"`
	Hydrated   int   `json:"hydrated"`
	Gaps       int   `json:"gaps"`
	Truncated  bool  `json:"truncated"`
}

// Options configures a Reconciler.
type Options struct {
	// BackfillDate seeds sources that have no cursor yet (YYYY-MM-DD).
	BackfillDate string

	// Backoff bounds retries of provider calls and catalogue writes.
	Backoff Backoff

	// WriteTimeout bounds each catalogue or cursor write.
	WriteTimeout time.Duration

	// ShutdownGrace is how long a drained batch may keep applying after the
	// tick's context is cancelled. Defaults to 30s.
	ShutdownGrace time.Duration

	// Now stamps cursors and tombstones. Defaults to time.Now.
	Now func() time.Time
}

// Reconciler performs a single poll-apply-advance pass for one source. It is
// stateless between calls; all persistent state lives in the [CursorStore]
// and the [VehicleStore].
type Reconciler struct {
	registry     *source.Registry
	norm         *normalize.Normalizer
	vehicles     VehicleStore
	cursors      CursorStore
	boot         *Bootstrap
	backoff      Backoff
	writeTimeout time.Duration
	grace        time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// NewReconciler creates a Reconciler wired to the given adapters and stores.
func NewReconciler(registry *source.Registry, norm *normalize.Normalizer, vehicles VehicleStore, cursors CursorStore, opts Options, logger *slog.Logger) *Reconciler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	r := &Reconciler{
		registry:     registry,
		norm:         norm,
		vehicles:     vehicles,
		cursors:      cursors,
		backoff:      opts.Backoff.withDefaults(),
		writeTimeout: opts.WriteTimeout,
		grace:        opts.ShutdownGrace,
		now:          opts.Now,
		log:          logger,
	}
	r.boot = &Bootstrap{
		cursors:      cursors,
		backfillDate: opts.BackfillDate,
		backoff:      r.backoff,
		writeTimeout: r.writeTimeout,
		now:          r.now,
		log:          logger,
	}
	return r
}

// Tick drains src's change feed from its cursor, applies every record in
// ascending change-id order, and then advances the cursor to the highest id
// drained. A source without a cursor is seeded first. On any error the
// cursor is left where it was, so the next tick re-drains the same range.
//
// Once a batch has been drained, applying it and advancing the cursor are
// detached from ctx cancellation: shutdown lets an in-flight batch finish.
func (r *Reconciler) Tick(ctx context.Context, src model.Source) (Stats, error) {
	adapter, ok := r.registry.Get(src)
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownSource, src)
	}

	started := r.now()
	stats, err := r.tick(ctx, adapter)
	r.recordRun(ctx, src, started, stats, err)

	if err != nil {
		return stats, err
	}
	r.log.Info("tick complete",
		"source", src,
		"cursor_from", stats.CursorFrom,
		"cursor_to", stats.CursorTo,
		"drained", stats.Drained,
		"applied", stats.Applied,
		"unchanged", stats.Unchanged,
		"tombstoned", stats.Tombstoned,
		"skipped", stats.Skipped,
		"hydrated", stats.Hydrated,
	)
	return stats, nil
}

func (r *Reconciler) tick(ctx context.Context, a source.Adapter) (Stats, error) {
	var stats Stats
	src := a.Source()

	cur, err := r.cursors.GetCursor(ctx, src)
	if err != nil {
		return stats, fmt.Errorf("loading cursor for %s: %w", src, err)
	}
	if cur == nil {
		cur, err = r.boot.Seed(ctx, a)
		if err != nil {
			return stats, err
		}
		stats.Seeded = true
	}
	stats.CursorFrom = cur.LastChangeID
	stats.CursorTo = cur.LastChangeID

	batch, watermark, truncated, err := r.drain(ctx, a, cur.LastChangeID)
	if err != nil {
		return stats, err
	}
	stats.Drained = len(batch)
	stats.Truncated = truncated
	stats.Gaps = countGaps(cur.LastChangeID, batch)

	if truncated {
		r.log.Warn("change feed truncated at page limit, remainder follows next tick",
			"source", src, "drained", len(batch))
	}
	if stats.Gaps > 0 {
		r.log.Warn("gaps in change ids", "source", src, "gaps", stats.Gaps,
			"from", cur.LastChangeID)
	}
	target := watermark
	if len(batch) > 0 {
		target = max(target, batch[len(batch)-1].ChangeID)
	}
	if target <= cur.LastChangeID {
		return stats, nil
	}
	if len(batch) == 0 {
		r.log.Warn("moving cursor past dropped change entries",
			"source", src, "from", cur.LastChangeID, "to", target)
	}

	applyCtx, stop := r.applyContext(ctx)
	defer stop()

	if err := r.apply(applyCtx, a, batch, &stats); err != nil {
		return stats, err
	}

	next := model.ChangeCursor{
		Source:       src,
		LastChangeID: target,
		LastSyncedAt: r.now(),
	}
	wctx, cancel := context.WithTimeout(applyCtx, r.writeTimeout)
	defer cancel()
	if err := r.cursors.AdvanceCursor(wctx, next); err != nil {
		return stats, fmt.Errorf("%w: %s to %d: %w", ErrCursorPersist, src, next.LastChangeID, err)
	}
	stats.CursorTo = next.LastChangeID
	return stats, nil
}

// applyContext outlives ctx so a drained batch still lands during shutdown,
// but only for r.grace once ctx is done. An apply cut short leaves the cursor
// where it was and the batch is redelivered next tick.
func (r *Reconciler) applyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	applyCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopWatch := context.AfterFunc(ctx, func() {
		r.log.Warn("shutdown during apply, finishing batch", "grace", r.grace)
		time.AfterFunc(r.grace, cancel)
	})
	return applyCtx, func() {
		stopWatch()
		cancel()
	}
}

// drain reads the whole stream, retrying each page fetch independently. The
// returned watermark is the highest change id the provider showed, which can
// exceed the last record when trailing entries were dropped.
func (r *Reconciler) drain(ctx context.Context, a source.Adapter, since int64) (batch []model.ChangeRecord, watermark int64, truncated bool, err error) {
	stream, err := a.Changes(ctx, since)
	if err != nil {
		return nil, since, false, fmt.Errorf("%w: %s: %w", ErrDrainFailed, a.Source(), err)
	}

	for {
		var page []model.ChangeRecord
		err := Retry(ctx, r.backoff, upstreamRetryable, func() error {
			var err error
			page, err = stream.Next(ctx)
			return err
		})
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, since, false, fmt.Errorf("%w: %s after %d records: %w", ErrDrainFailed, a.Source(), len(batch), err)
		}
		batch = append(batch, page...)
	}
	return batch, stream.Watermark(), stream.Truncated(), nil
}

// apply writes batch in order, stopping at the first record that cannot be
// written. Records that are malformed are skipped and still count as
// consumed.
func (r *Reconciler) apply(ctx context.Context, a source.Adapter, batch []model.ChangeRecord, stats *Stats) error {
	for _, rec := range batch {
		if err := r.applyOne(ctx, a, rec, stats); err != nil {
			return fmt.Errorf("%w: %s change %d (%s %s): %w",
				ErrApplyFailed, a.Source(), rec.ChangeID, rec.Operation, rec.ExternalID, err)
		}
	}
	return nil
}

func (r *Reconciler) applyOne(ctx context.Context, a source.Adapter, rec model.ChangeRecord, stats *Stats) error {
	src := a.Source()

	switch rec.Operation {
	case model.OpDelete:
		return r.tombstone(ctx, src, rec.ExternalID, stats)

	case model.OpAdd, model.OpUpdate:
		payload := rec.Payload
		if rec.NeedsHydration() {
			raw, err := r.hydrate(ctx, a, rec.ExternalID)
			switch {
			case errors.Is(err, source.ErrNotFound):
				r.log.Info("offer gone upstream, tombstoning", "source", src, "external_id", rec.ExternalID)
				return r.tombstone(ctx, src, rec.ExternalID, stats)
			case errors.Is(err, source.ErrInputValidation):
				r.skip(src, rec, err, stats)
				return nil
			case err != nil:
				return fmt.Errorf("hydrating offer: %w", err)
			}
			stats.Hydrated++
			payload = raw
		}

		res, err := r.norm.Normalize(src, payload)
		if errors.Is(err, normalize.ErrMalformedOffer) {
			r.skip(src, rec, err, stats)
			return nil
		}
		if err != nil {
			return err
		}
		if res.Vehicle.ExternalID != rec.ExternalID {
			r.skip(src, rec, fmt.Errorf("%w: payload is for %q", normalize.ErrMalformedOffer, res.Vehicle.ExternalID), stats)
			return nil
		}
		if len(res.RejectedImages) > 0 {
			r.log.Debug("dropped images outside allow-list",
				"source", src, "external_id", rec.ExternalID, "count", len(res.RejectedImages))
		}
		return r.upsert(ctx, &res.Vehicle, stats)

	default:
		r.skip(src, rec, fmt.Errorf("unknown operation %q", rec.Operation), stats)
		return nil
	}
}

func (r *Reconciler) skip(src model.Source, rec model.ChangeRecord, err error, stats *Stats) {
	stats.Skipped++
	r.log.Warn("skipping change record",
		"source", src,
		"change_id", rec.ChangeID,
		"external_id", rec.ExternalID,
		"error", err,
	)
}

func (r *Reconciler) hydrate(ctx context.Context, a source.Adapter, externalID string) ([]byte, error) {
	var raw []byte
	err := Retry(ctx, r.backoff, upstreamRetryable, func() error {
		var err error
		raw, err = a.OfferByExternalID(ctx, externalID)
		return err
	})
	return raw, err
}

func (r *Reconciler) upsert(ctx context.Context, v *model.Vehicle, stats *Stats) error {
	var changed bool
	err := Retry(ctx, r.backoff, storeRetryable, func() error {
		wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
		var err error
		changed, err = r.vehicles.Upsert(wctx, v)
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		stats.Applied++
	} else {
		stats.Unchanged++
	}
	return nil
}

func (r *Reconciler) tombstone(ctx context.Context, src model.Source, externalID string, stats *Stats) error {
	at := r.now()
	var changed bool
	err := Retry(ctx, r.backoff, storeRetryable, func() error {
		wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
		var err error
		changed, err = r.vehicles.Tombstone(wctx, src, externalID, at)
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		stats.Tombstoned++
	} else {
		stats.Unchanged++
	}
	return nil
}

// recordRun appends the tick to run history. Failures are logged only.
func (r *Reconciler) recordRun(ctx context.Context, src model.Source, started time.Time, stats Stats, tickErr error) {
	run := state.Run{
		Source:     src,
		StartedAt:  started,
		FinishedAt: r.now(),
		Status:     state.RunSucceeded,
		CursorFrom: stats.CursorFrom,
		CursorTo:   stats.CursorTo,
		Drained:    stats.Drained,
		Applied:    stats.Applied,
		Tombstoned: stats.Tombstoned,
		Skipped:    stats.Skipped,
		Hydrated:   stats.Hydrated,
		Gaps:       stats.Gaps,
		Truncated:  stats.Truncated,
	}
	switch {
	case tickErr != nil:
		run.Status = state.RunFailed
		run.Error = tickErr.Error()
	case stats.Seeded:
		run.Status = state.RunSeeded
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()
	if _, err := r.cursors.RecordRun(wctx, run); err != nil {
		r.log.Error("recording run", "source", src, "error", err)
	}
}

// countGaps counts holes in the id sequence starting after since.
func countGaps(since int64, batch []model.ChangeRecord) int {
	gaps := 0
	prev := since
	for _, rec := range batch {
		if rec.ChangeID > prev+1 {
			gaps++
		}
		prev = rec.ChangeID
	}
	return gaps
}
