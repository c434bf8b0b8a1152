package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/normalize"
	"github.com/njoerd114/listingrelay/internal/source"
	"github.com/njoerd114/listingrelay/internal/state"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// --- Mock provider -----------------------------------------------------------

type mockAdapter struct {
	mu       sync.Mutex
	src      model.Source
	seedID   int64
	seedErr  error
	feed     []model.ChangeRecord
	offers   map[string]json.RawMessage
	pageSize int

	// failFetches makes the next n page fetches fail as unavailable.
	failFetches int
	fetches     int
	hydrations  int
}

func newMockAdapter(src model.Source, seedID int64, feed ...model.ChangeRecord) *mockAdapter {
	return &mockAdapter{
		src:      src,
		seedID:   seedID,
		feed:     feed,
		offers:   make(map[string]json.RawMessage),
		pageSize: 2,
	}
}

func (m *mockAdapter) Source() model.Source { return m.src }

func (m *mockAdapter) Filters(context.Context) (model.FilterTaxonomy, error) {
	return model.FilterTaxonomy{}, nil
}

func (m *mockAdapter) ChangeIDForDate(_ context.Context, date string) (int64, error) {
	if err := source.ValidateDate(date); err != nil {
		return 0, err
	}
	return m.seedID, m.seedErr
}

func (m *mockAdapter) Changes(_ context.Context, since int64) (*source.ChangeStream, error) {
	return source.NewChangeStream(since, 0, m.fetch)
}

func (m *mockAdapter) fetch(_ context.Context, from int64) (source.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++
	if m.failFetches > 0 {
		m.failFetches--
		return source.Page{}, fmt.Errorf("502 bad gateway: %w", source.ErrUpstreamUnavailable)
	}

	var page source.Page
	for _, rec := range m.feed {
		if rec.ChangeID < from {
			continue
		}
		if len(page.Records) == m.pageSize {
			page.Next = rec.ChangeID
			return page, nil
		}
		page.Records = append(page.Records, rec)
	}
	page.Last = true
	return page, nil
}

func (m *mockAdapter) OfferByExternalID(_ context.Context, externalID string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hydrations++
	raw, ok := m.offers[externalID]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", externalID, source.ErrNotFound)
	}
	return raw, nil
}

func (m *mockAdapter) append(recs ...model.ChangeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feed = append(m.feed, recs...)
}

// --- Mock catalogue ----------------------------------------------------------

type vehicleKey struct {
	src model.Source
	id  string
}

type mockCatalog struct {
	mu       sync.Mutex
	vehicles map[vehicleKey]*model.Vehicle
	writes   int
	failNext int
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{vehicles: make(map[vehicleKey]*model.Vehicle)}
}

func (c *mockCatalog) Upsert(_ context.Context, v *model.Vehicle) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failNext > 0 {
		c.failNext--
		return false, errors.New("connection reset")
	}
	key := vehicleKey{v.Source, v.ExternalID}
	if cur, ok := c.vehicles[key]; ok && cur.DeletedAt == nil && cur.ContentHash() == v.ContentHash() {
		return false, nil
	}
	cp := *v
	c.vehicles[key] = &cp
	c.writes++
	return true, nil
}

func (c *mockCatalog) Tombstone(_ context.Context, src model.Source, externalID string, at time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failNext > 0 {
		c.failNext--
		return false, errors.New("connection reset")
	}
	cur, ok := c.vehicles[vehicleKey{src, externalID}]
	if !ok || cur.DeletedAt != nil {
		return false, nil
	}
	t := at
	cur.DeletedAt = &t
	c.writes++
	return true, nil
}

func (c *mockCatalog) get(src model.Source, externalID string) *model.Vehicle {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vehicles[vehicleKey{src, externalID}]
	if !ok {
		return nil
	}
	cp := *v
	return &cp
}

// --- Cursor store wrapper ----------------------------------------------------

// flakyCursors fails AdvanceCursor while failAdvance is set.
type flakyCursors struct {
	*state.Store
	mu          sync.Mutex
	failAdvance bool
}

func (f *flakyCursors) AdvanceCursor(ctx context.Context, c model.ChangeCursor) error {
	f.mu.Lock()
	fail := f.failAdvance
	f.mu.Unlock()
	if fail {
		return errors.New("disk I/O error")
	}
	return f.Store.AdvanceCursor(ctx, c)
}

// --- Helpers -----------------------------------------------------------------

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening state store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func offer(externalID string, price int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"inner_id": %q,
		"mark": "BYD",
		"model": "Han",
		"complectation": "EV 610km",
		"year": 2022,
		"price": %d,
		"engine_type": "electric",
		"images": ["https://2sc2.autoimg.cn/escimg/auto/%s.jpg"]
	}`, externalID, price, externalID))
}

func add(id int64, externalID string, price int) model.ChangeRecord {
	return model.ChangeRecord{ChangeID: id, Operation: model.OpAdd, ExternalID: externalID, Payload: offer(externalID, price)}
}

func update(id int64, externalID string, price int) model.ChangeRecord {
	return model.ChangeRecord{ChangeID: id, Operation: model.OpUpdate, ExternalID: externalID, Payload: offer(externalID, price)}
}

func del(id int64, externalID string) model.ChangeRecord {
	return model.ChangeRecord{ChangeID: id, Operation: model.OpDelete, ExternalID: externalID}
}

type fixture struct {
	adapter    *mockAdapter
	catalog    *mockCatalog
	cursors    *flakyCursors
	reconciler *Reconciler
}

func newFixture(t *testing.T, adapter *mockAdapter) *fixture {
	t.Helper()
	registry, err := source.NewRegistry(adapter)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		adapter: adapter,
		catalog: newMockCatalog(),
		cursors: &flakyCursors{Store: newTestStore(t)},
	}
	norm := normalize.New(normalize.Options{Now: func() time.Time { return testNow }})
	f.reconciler = NewReconciler(registry, norm, f.catalog, f.cursors, Options{
		BackfillDate: "2024-01-01",
		Backoff:      fastBackoff,
		WriteTimeout: time.Second,
		Now:          func() time.Time { return testNow },
	}, discardLogger())
	return f
}

func (f *fixture) cursor(t *testing.T) int64 {
	t.Helper()
	cur, err := f.cursors.GetCursor(context.Background(), f.adapter.src)
	if err != nil {
		t.Fatal(err)
	}
	if cur == nil {
		return -1
	}
	return cur.LastChangeID
}
