package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/source"
	"github.com/njoerd114/listingrelay/internal/state"
)

func TestTick_SeedsAndAppliesInOrder(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100,
		add(99, "old", 1000),
		add(100, "ext0", 1000),
		add(101, "ext1", 150000),
		update(102, "ext1", 149000),
		del(103, "ext2"),
	))
	ctx := context.Background()

	// ext2 predates the backfill window.
	if _, err := f.catalog.Upsert(ctx, existingVehicle("ext2")); err != nil {
		t.Fatal(err)
	}

	stats, err := f.reconciler.Tick(ctx, model.SourceChe168)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !stats.Seeded {
		t.Error("expected first tick to seed")
	}
	if stats.CursorFrom != 100 || stats.CursorTo != 103 {
		t.Errorf("cursor %d -> %d, want 100 -> 103", stats.CursorFrom, stats.CursorTo)
	}
	if stats.Drained != 3 || stats.Applied != 2 || stats.Tombstoned != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if got := f.cursor(t); got != 103 {
		t.Errorf("cursor = %d, want 103", got)
	}

	v1 := f.catalog.get(model.SourceChe168, "ext1")
	if v1 == nil {
		t.Fatal("ext1 not in catalogue")
	}
	if v1.PriceAmount.IntPart() != 149000 {
		t.Errorf("ext1 price = %s, want the later update to win", v1.PriceAmount)
	}
	if got := f.catalog.get(model.SourceChe168, "ext2"); got == nil || got.DeletedAt == nil {
		t.Error("ext2 should be tombstoned")
	}
	for _, id := range []string{"old", "ext0"} {
		if f.catalog.get(model.SourceChe168, id) != nil {
			t.Errorf("%s is at or before the seed id and must not be applied", id)
		}
	}
}

func TestTick_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100,
		add(101, "ext1", 150000),
		update(102, "ext1", 149000),
		add(103, "ext2", 99000),
	))
	ctx := context.Background()

	if _, err := f.reconciler.Tick(ctx, model.SourceChe168); err != nil {
		t.Fatal(err)
	}
	writes := f.catalog.writes
	before := f.catalog.get(model.SourceChe168, "ext1")

	if err := f.cursors.ResetCursor(ctx, model.SourceChe168, 101, testNow); err != nil {
		t.Fatal(err)
	}
	stats, err := f.reconciler.Tick(ctx, model.SourceChe168)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Drained != 2 || stats.Applied != 0 || stats.Unchanged != 2 {
		t.Errorf("stats = %+v, want 2 drained and 2 unchanged", stats)
	}
	if f.catalog.writes != writes {
		t.Errorf("writes = %d, want %d", f.catalog.writes, writes)
	}
	after := f.catalog.get(model.SourceChe168, "ext1")
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.ContentHash() != before.ContentHash() {
		t.Error("redelivered change altered the stored vehicle")
	}
	if f.cursor(t) != 103 {
		t.Errorf("cursor = %d, want 103", f.cursor(t))
	}
}

func TestTick_UnchangedOfferIsNotRewritten(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100, add(101, "ext1", 150000)))
	ctx := context.Background()

	if _, err := f.reconciler.Tick(ctx, model.SourceChe168); err != nil {
		t.Fatal(err)
	}
	f.adapter.append(update(102, "ext1", 150000))

	stats, err := f.reconciler.Tick(ctx, model.SourceChe168)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Applied != 0 || stats.Unchanged != 1 {
		t.Errorf("Applied = %d, Unchanged = %d; want 0, 1", stats.Applied, stats.Unchanged)
	}
	if f.catalog.writes != 1 {
		t.Errorf("writes = %d, want 1", f.catalog.writes)
	}
	if f.cursor(t) != 102 {
		t.Errorf("cursor = %d, want 102", f.cursor(t))
	}
}

func TestTick_MalformedRecordIsSkipped(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100,
		model.ChangeRecord{ChangeID: 101, Operation: model.OpAdd, ExternalID: "bad",
			Payload: json.RawMessage(`{"inner_id":"bad","price":"lots"}`)},
		add(102, "ext1", 150000),
	))

	stats, err := f.reconciler.Tick(context.Background(), model.SourceChe168)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 1 || stats.Applied != 1 {
		t.Errorf("stats = %+v, want 1 skipped and 1 applied", stats)
	}
	if f.cursor(t) != 102 {
		t.Errorf("cursor = %d, want 102 (skipped records are consumed)", f.cursor(t))
	}
}

func TestTick_PayloadForOtherOfferIsSkipped(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100,
		model.ChangeRecord{ChangeID: 101, Operation: model.OpAdd, ExternalID: "ext1", Payload: offer("ext9", 1)},
	))

	stats, err := f.reconciler.Tick(context.Background(), model.SourceChe168)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 1 || f.catalog.get(model.SourceChe168, "ext9") != nil {
		t.Errorf("mismatched payload should be skipped, stats = %+v", stats)
	}
}

func TestTick_DeleteOfUnknownIsNoOp(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100, del(101, "never-seen")))

	stats, err := f.reconciler.Tick(context.Background(), model.SourceChe168)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Tombstoned != 0 || stats.Unchanged != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if f.cursor(t) != 101 {
		t.Errorf("cursor = %d, want 101", f.cursor(t))
	}
}

func TestTick_EmptyFeedKeepsCursor(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100))

	stats, err := f.reconciler.Tick(context.Background(), model.SourceChe168)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Drained != 0 || stats.CursorTo != 100 {
		t.Errorf("stats = %+v", stats)
	}
	if f.cursor(t) != 100 {
		t.Errorf("cursor = %d, want 100", f.cursor(t))
	}
}

// droppingAdapter serves a feed whose first page holds only entries the
// adapter could not convert, followed by one real change.
type droppingAdapter struct {
	*mockAdapter
	seen int64
	tail []model.ChangeRecord
}

func (d *droppingAdapter) Changes(_ context.Context, since int64) (*source.ChangeStream, error) {
	return source.NewChangeStream(since, 0, func(_ context.Context, from int64) (source.Page, error) {
		switch {
		case from <= d.seen:
			return source.Page{Seen: d.seen, Next: d.seen + 1}, nil
		case from == d.seen+1 && len(d.tail) > 0:
			return source.Page{Records: d.tail, Last: true}, nil
		}
		return source.Page{}, nil
	})
}

func withAdapter(t *testing.T, f *fixture, a source.Adapter) {
	t.Helper()
	registry, err := source.NewRegistry(a)
	if err != nil {
		t.Fatal(err)
	}
	f.reconciler.registry = registry
}

func TestTick_PageOfDroppedEntriesDoesNotStall(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100))
	withAdapter(t, f, &droppingAdapter{mockAdapter: f.adapter, seen: 102, tail: []model.ChangeRecord{del(103, "ext2"), add(104, "ext4", 1)}})
	ctx := context.Background()

	stats, err := f.reconciler.Tick(ctx, model.SourceChe168)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Applied != 1 || stats.CursorTo != 104 {
		t.Errorf("stats = %+v, want one applied and cursor 104", stats)
	}
	if f.cursor(t) != 104 {
		t.Errorf("cursor = %d, want 104", f.cursor(t))
	}
}

func TestTick_CursorMovesPastOnlyDroppedEntries(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100))
	withAdapter(t, f, &droppingAdapter{mockAdapter: f.adapter, seen: 105})
	ctx := context.Background()

	stats, err := f.reconciler.Tick(ctx, model.SourceChe168)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Drained != 0 || stats.CursorTo != 105 {
		t.Errorf("stats = %+v, want nothing drained and cursor 105", stats)
	}
	if f.cursor(t) != 105 {
		t.Errorf("cursor = %d, want 105", f.cursor(t))
	}

	stats, err = f.reconciler.Tick(ctx, model.SourceChe168)
	if err != nil {
		t.Fatal(err)
	}
	if stats.CursorFrom != 105 || stats.CursorTo != 105 {
		t.Errorf("second tick stats = %+v, want cursor to stay at 105", stats)
	}
}

func TestTick_TransientFetchFailureIsRetried(t *testing.T) {
	a := newMockAdapter(model.SourceChe168, 100, add(101, "ext1", 1), add(102, "ext2", 1), add(103, "ext3", 1))
	f := newFixture(t, a)
	if _, err := f.reconciler.Tick(context.Background(), model.SourceChe168); err != nil {
		t.Fatal(err)
	}

	a.append(add(104, "ext4", 1), add(105, "ext5", 1), add(106, "ext6", 1))
	a.failFetches = fastBackoff.Attempts - 1

	stats, err := f.reconciler.Tick(context.Background(), model.SourceChe168)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if stats.Drained != 3 || f.cursor(t) != 106 {
		t.Errorf("drained %d, cursor %d; want 3, 106", stats.Drained, f.cursor(t))
	}
}

func TestTick_DrainFailureLeavesCursor(t *testing.T) {
	a := newMockAdapter(model.SourceChe168, 100, add(101, "ext1", 1), add(102, "ext2", 1), add(103, "ext3", 1))
	f := newFixture(t, a)
	ctx := context.Background()
	if err := f.cursors.ResetCursor(ctx, model.SourceChe168, 100, testNow); err != nil {
		t.Fatal(err)
	}

	// The first page succeeds; the second never does.
	a.pageSize = 1
	calls := 0
	registry, _ := source.NewRegistry(&pagedFailure{mockAdapter: a, page: func(ctx context.Context, from int64) (source.Page, error) {
		calls++
		if calls > 1 {
			return source.Page{}, source.ErrUpstreamUnavailable
		}
		return a.fetch(ctx, from)
	}})
	f.reconciler.registry = registry

	_, err := f.reconciler.Tick(ctx, model.SourceChe168)
	if !errors.Is(err, ErrDrainFailed) || !errors.Is(err, source.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrDrainFailed wrapping ErrUpstreamUnavailable", err)
	}
	if f.cursor(t) != 100 {
		t.Errorf("cursor = %d, want unchanged 100", f.cursor(t))
	}
	if f.catalog.writes != 0 {
		t.Errorf("writes = %d, want none from a partially drained batch", f.catalog.writes)
	}
}

// pagedFailure overrides the page fetch of a mockAdapter.
type pagedFailure struct {
	*mockAdapter
	page source.PageFunc
}

func (p *pagedFailure) Changes(_ context.Context, since int64) (*source.ChangeStream, error) {
	return source.NewChangeStream(since, 0, p.page)
}

func TestTick_CursorFailureRedrainsNextTick(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100, add(101, "ext1", 1), add(102, "ext2", 1)))
	ctx := context.Background()
	if err := f.cursors.Store.ResetCursor(ctx, model.SourceChe168, 100, testNow); err != nil {
		t.Fatal(err)
	}

	f.cursors.failAdvance = true
	_, err := f.reconciler.Tick(ctx, model.SourceChe168)
	if !errors.Is(err, ErrCursorPersist) {
		t.Fatalf("err = %v, want ErrCursorPersist", err)
	}
	if f.cursor(t) != 100 {
		t.Errorf("cursor = %d, want 100", f.cursor(t))
	}

	f.cursors.failAdvance = false
	stats, err := f.reconciler.Tick(ctx, model.SourceChe168)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Drained != 2 || stats.Applied != 0 || stats.Unchanged != 2 {
		t.Errorf("stats = %+v, want the same two records redrained without rewriting", stats)
	}
	if f.cursor(t) != 102 {
		t.Errorf("cursor = %d, want 102", f.cursor(t))
	}
}

func TestTick_StoreFailureIsRetried(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100, add(101, "ext1", 1)))
	f.catalog.failNext = 2

	stats, err := f.reconciler.Tick(context.Background(), model.SourceChe168)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Applied != 1 {
		t.Errorf("Applied = %d, want 1", stats.Applied)
	}
}

func TestTick_StoreFailureAbortsBatch(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100, add(101, "ext1", 1), add(102, "ext2", 1)))
	f.catalog.failNext = 100

	_, err := f.reconciler.Tick(context.Background(), model.SourceChe168)
	if !errors.Is(err, ErrApplyFailed) {
		t.Fatalf("err = %v, want ErrApplyFailed", err)
	}
	if f.cursor(t) != 100 {
		t.Errorf("cursor = %d, want seeded 100", f.cursor(t))
	}
}

func TestTick_HydratesPartialChanges(t *testing.T) {
	a := newMockAdapter(model.SourceChe168, 100,
		model.ChangeRecord{ChangeID: 101, Operation: model.OpUpdate, ExternalID: "ext1",
			Payload: json.RawMessage(`{"price":120000}`), Partial: true},
		model.ChangeRecord{ChangeID: 102, Operation: model.OpUpdate, ExternalID: "gone", Partial: true},
	)
	a.offers["ext1"] = offer("ext1", 120000)
	f := newFixture(t, a)

	stats, err := f.reconciler.Tick(context.Background(), model.SourceChe168)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Hydrated != 1 || stats.Applied != 1 {
		t.Errorf("stats = %+v", stats)
	}
	v := f.catalog.get(model.SourceChe168, "ext1")
	if v == nil || v.PriceAmount.IntPart() != 120000 {
		t.Errorf("ext1 = %+v, want hydrated offer", v)
	}
	if a.hydrations != 2 {
		t.Errorf("hydrations = %d, want 2", a.hydrations)
	}
	if f.cursor(t) != 102 {
		t.Errorf("cursor = %d, want 102", f.cursor(t))
	}
}

func TestTick_ShutdownFinishesDrainedBatch(t *testing.T) {
	a := newMockAdapter(model.SourceChe168, 100, add(101, "ext1", 1), add(102, "ext2", 1), add(103, "ext3", 1))
	f := newFixture(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.reconciler.vehicles = &cancellingCatalog{mockCatalog: f.catalog, cancel: cancel}

	stats, err := f.reconciler.Tick(ctx, model.SourceChe168)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if stats.Applied != 3 || f.cursor(t) != 103 {
		t.Errorf("applied %d, cursor %d; want 3, 103", stats.Applied, f.cursor(t))
	}
}

// cancellingCatalog cancels the tick's context on its first write.
type cancellingCatalog struct {
	*mockCatalog
	cancel context.CancelFunc
}

func (c *cancellingCatalog) Upsert(ctx context.Context, v *model.Vehicle) (bool, error) {
	c.cancel()
	return c.mockCatalog.Upsert(ctx, v)
}

func TestTick_ShutdownGraceBoundsApply(t *testing.T) {
	a := newMockAdapter(model.SourceChe168, 100, add(101, "ext1", 1), add(102, "ext2", 1))
	f := newFixture(t, a)
	f.reconciler.grace = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.reconciler.vehicles = &stuckCatalog{mockCatalog: f.catalog, cancel: cancel}

	done := make(chan error, 1)
	go func() {
		_, err := f.reconciler.Tick(ctx, model.SourceChe168)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrApplyFailed) {
			t.Errorf("err = %v, want ErrApplyFailed", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("tick still applying long after the shutdown grace")
	}
	if f.cursor(t) != 100 {
		t.Errorf("cursor = %d, want 100", f.cursor(t))
	}
}

// stuckCatalog cancels the tick's context and then hangs until its own write
// context ends.
type stuckCatalog struct {
	*mockCatalog
	cancel context.CancelFunc
}

func (c *stuckCatalog) Upsert(ctx context.Context, _ *model.Vehicle) (bool, error) {
	c.cancel()
	<-ctx.Done()
	return false, ctx.Err()
}

func TestTick_SeedFailure(t *testing.T) {
	a := newMockAdapter(model.SourceChe168, 100)
	a.seedErr = source.ErrInvalidDate
	f := newFixture(t, a)

	_, err := f.reconciler.Tick(context.Background(), model.SourceChe168)
	if !errors.Is(err, ErrSeedFailed) {
		t.Fatalf("err = %v, want ErrSeedFailed", err)
	}
	if f.cursor(t) != -1 {
		t.Errorf("cursor = %d, want none", f.cursor(t))
	}
}

func TestTick_UnknownSource(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100))
	if _, err := f.reconciler.Tick(context.Background(), model.SourceEncar); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("err = %v, want ErrUnknownSource", err)
	}
}

func TestTick_RecordsRunHistory(t *testing.T) {
	f := newFixture(t, newMockAdapter(model.SourceChe168, 100, add(101, "ext1", 1)))
	ctx := context.Background()

	if _, err := f.reconciler.Tick(ctx, model.SourceChe168); err != nil {
		t.Fatal(err)
	}
	f.cursors.failAdvance = true
	f.adapter.append(add(102, "ext2", 1))
	_, _ = f.reconciler.Tick(ctx, model.SourceChe168)

	runs, err := f.cursors.RecentRuns(ctx, model.SourceChe168, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if runs[0].Status != state.RunFailed || runs[0].Error == "" {
		t.Errorf("newest run = %+v, want failed with error", runs[0])
	}
	if runs[1].Status != state.RunSeeded || runs[1].CursorTo != 101 {
		t.Errorf("first run = %+v, want seeded ending at 101", runs[1])
	}
}

func TestCountGaps(t *testing.T) {
	batch := []model.ChangeRecord{{ChangeID: 101}, {ChangeID: 102}, {ChangeID: 105}, {ChangeID: 107}}
	if got := countGaps(100, batch); got != 2 {
		t.Errorf("countGaps = %d, want 2", got)
	}
	if got := countGaps(98, batch); got != 3 {
		t.Errorf("countGaps = %d, want 3", got)
	}
}

func existingVehicle(externalID string) *model.Vehicle {
	return &model.Vehicle{
		ID:         model.VehicleID(model.SourceChe168, externalID),
		Source:     model.SourceChe168,
		ExternalID: externalID,
		Make:       "BYD",
		Model:      "Qin",
		UpdatedAt:  testNow.Add(-time.Hour),
	}
}
