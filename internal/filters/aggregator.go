// Package filters builds the merged search taxonomy. An [Aggregator]
// periodically pulls every source's filter taxonomy, falls back to the
// last-known-good copy for sources that fail, and publishes one immutable
// [model.TaxonomySnapshot].
package filters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/source"
	"github.com/njoerd114/listingrelay/internal/state"
)

const (
	otelScope   = "listingrelay/filters"
	spanRefresh = "filters.refresh"

	defaultInterval     = time.Hour
	defaultFetchTimeout = 30 * time.Second
)

// ErrNoTaxonomy is returned when no source produced a taxonomy, fresh or
// stored.
var ErrNoTaxonomy = errors.New("no taxonomy available from any source")

// TaxonomyStore keeps the last-known-good taxonomy per source.
// Implemented by [state.Store].
type TaxonomyStore interface {
	SaveTaxonomy(ctx context.Context, src model.Source, tax model.FilterTaxonomy, fetchedAt time.Time) error
	LoadTaxonomy(ctx context.Context, src model.Source) (*state.TaxonomyRecord, error)
}

// Publisher hands a snapshot to downstream consumers.
// Implemented by [state.Store] and [publish.Redis].
type Publisher interface {
	Publish(ctx context.Context, snap model.TaxonomySnapshot) error
}

// Options configures an Aggregator.
type Options struct {
	// Interval separates refreshes in [Aggregator.Run].
	Interval time.Duration

	// FetchTimeout bounds each source's filters call.
	FetchTimeout time.Duration

	// Now stamps snapshots. Defaults to time.Now.
	Now func() time.Time
}

// Aggregator merges and publishes taxonomies. It is safe for concurrent use.
type Aggregator struct {
	registry     *source.Registry
	store        TaxonomyStore
	publishers   []Publisher
	interval     time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger
	tracer       trace.Tracer

	current atomic.Pointer[model.TaxonomySnapshot]
}

// New creates an Aggregator over every adapter in registry.
func New(registry *source.Registry, store TaxonomyStore, opts Options, logger *slog.Logger, publishers ...Publisher) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		registry:     registry,
		store:        store,
		publishers:   publishers,
		interval:     opts.Interval,
		fetchTimeout: opts.FetchTimeout,
		now:          opts.Now,
		log:          logger,
		tracer:       otel.Tracer(otelScope),
	}
}

// Current returns the latest snapshot, or nil before the first refresh.
// The returned value must not be modified.
func (a *Aggregator) Current() *model.TaxonomySnapshot {
	return a.current.Load()
}

// Refresh fetches, merges and publishes once. A source whose fetch fails
// contributes its last-known-good taxonomy and is listed as stale; a source
// with neither is left out. The snapshot is kept as [Aggregator.Current]
// even if a publisher fails.
func (a *Aggregator) Refresh(ctx context.Context) (*model.TaxonomySnapshot, error) {
	ctx, span := a.tracer.Start(ctx, spanRefresh)
	defer span.End()

	order := a.registry.Sources()
	taxonomies := make(map[model.Source]model.FilterTaxonomy, len(order))
	snap := &model.TaxonomySnapshot{}

	for _, adapter := range a.registry.Adapters() {
		src := adapter.Source()
		tax, stale, err := a.fetch(ctx, adapter)
		if err != nil {
			a.log.Error("no taxonomy for source", "source", src, "error", err)
			continue
		}
		taxonomies[src] = tax
		snap.Sources = append(snap.Sources, src)
		if stale {
			snap.Stale = append(snap.Stale, src)
		}
	}

	span.SetAttributes(
		attribute.Int("filters.sources", len(snap.Sources)),
		attribute.Int("filters.stale", len(snap.Stale)),
	)
	if len(taxonomies) == 0 {
		span.SetStatus(codes.Error, ErrNoTaxonomy.Error())
		return nil, ErrNoTaxonomy
	}

	snap.Taxonomy = Merge(order, taxonomies)
	snap.GeneratedAt = a.now().UTC()
	a.current.Store(snap)

	var errs []error
	for _, p := range a.publishers {
		if err := p.Publish(ctx, *snap); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return snap, fmt.Errorf("publishing taxonomy: %w", err)
	}

	a.log.Info("taxonomy published",
		"sources", len(snap.Sources),
		"stale", len(snap.Stale),
		"makes", len(snap.Taxonomy.Marks),
	)
	return snap, nil
}

// fetch returns src's fresh taxonomy, or its stored copy when the fetch
// fails. stale reports which one it is.
func (a *Aggregator) fetch(ctx context.Context, adapter source.Adapter) (tax model.FilterTaxonomy, stale bool, err error) {
	src := adapter.Source()

	fctx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	tax, fetchErr := adapter.Filters(fctx)
	cancel()

	if fetchErr == nil {
		if err := a.store.SaveTaxonomy(ctx, src, tax, a.now()); err != nil {
			a.log.Warn("saving last-known-good taxonomy", "source", src, "error", err)
		}
		return tax, false, nil
	}

	a.log.Warn("fetching taxonomy failed, using last-known-good", "source", src, "error", fetchErr)
	rec, err := a.store.LoadTaxonomy(ctx, src)
	if err != nil {
		return model.FilterTaxonomy{}, false, errors.Join(fetchErr, err)
	}
	if rec == nil {
		return model.FilterTaxonomy{}, false, fetchErr
	}
	return rec.Taxonomy, true, nil
}

// Run refreshes immediately and then on every interval until ctx is
// cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	if _, err := a.Refresh(ctx); err != nil {
		a.log.Error("initial taxonomy refresh failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			a.log.Info("filter aggregator shutting down")
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Refresh(ctx); err != nil {
				a.log.Error("taxonomy refresh failed", "error", err)
			}
		}
	}
}
