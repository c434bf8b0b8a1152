package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/listingrelay/internal/model"
	"github.com/njoerd114/listingrelay/internal/source"
)

const (
	otelScope        = "listingrelay/sync"
	spanTick         = "sync.tick"
	metricApplied    = "listingrelay.sync.applied"
	metricTombstoned = "listingrelay.sync.tombstoned"
	metricSkipped    = "listingrelay.sync.skipped"
	metricHydrated   = "listingrelay.sync.hydrated"
	metricErrors     = "listingrelay.sync.errors"
	metricDegraded   = "listingrelay.sync.degraded"
)

// State is the lifecycle position of one source's sync loop.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateSeeding       State = "seeding"
	StateRunning       State = "running"
	StateDegraded      State = "degraded"
)

// SourceStatus is a point-in-time view of one source's loop.
type SourceStatus struct {
	Source              model.Source `json:"source"`
	State               State        `json:"state"`
	LastChangeID        int64        `json:"last_change_id"`
	LastTickAt          time.Time    `json:"last_tick_at,omitzero"`
	LastSuccessAt       time.Time    `json:"last_success_at,omitzero"`
	NextTickAt          time.Time    `json:"next_tick_at,omitzero"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
	LastStats           Stats        `json:"last_stats"`
}

// EngineOptions configures the scheduling of an Engine.
type EngineOptions struct {
	// PollInterval separates ticks of a healthy source.
	PollInterval time.Duration

	// DegradedInterval separates ticks of a source whose provider is
	// failing. It should not be shorter than PollInterval.
	DegradedInterval time.Duration
}

// Engine runs one independent polling loop per source. Create one with
// [NewEngine] and start it with [Engine.Run].
type Engine struct {
	reconciler *Reconciler
	cursors    CursorStore
	sources    []model.Source
	poll       time.Duration
	degraded   time.Duration
	log        *slog.Logger

	mu     sync.Mutex
	status map[model.Source]*SourceStatus

	// ticking serialises ticks per source.
	ticking map[model.Source]*sync.Mutex

	// OTel instruments, no-op when telemetry is disabled.
	tracer        trace.Tracer
	cntApplied    metric.Int64Counter
	cntTombstoned metric.Int64Counter
	cntSkipped    metric.Int64Counter
	cntHydrated   metric.Int64Counter
	cntErrors     metric.Int64Counter
	gaugeDegraded metric.Int64UpDownCounter
}

// NewEngine creates an Engine for every source known to the reconciler's
// registry.
func NewEngine(reconciler *Reconciler, cursors CursorStore, opts EngineOptions, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}
	degraded, err := meter.Int64UpDownCounter(metricDegraded,
		metric.WithDescription("Number of sources currently degraded"))
	if err != nil {
		logger.Error("creating OTel counter", "name", metricDegraded, "error", err)
		degraded = noop.Int64UpDownCounter{}
	}

	if opts.DegradedInterval < opts.PollInterval {
		opts.DegradedInterval = opts.PollInterval
	}

	sources := reconciler.registry.Sources()
	e := &Engine{
		reconciler: reconciler,
		cursors:    cursors,
		sources:    sources,
		poll:       opts.PollInterval,
		degraded:   opts.DegradedInterval,
		log:        logger,
		status:     make(map[model.Source]*SourceStatus, len(sources)),
		ticking:    make(map[model.Source]*sync.Mutex, len(sources)),

		tracer:        tracer,
		cntApplied:    mustCounter(metricApplied, "Number of vehicles written during sync"),
		cntTombstoned: mustCounter(metricTombstoned, "Number of vehicles tombstoned during sync"),
		cntSkipped:    mustCounter(metricSkipped, "Number of change records skipped as malformed"),
		cntHydrated:   mustCounter(metricHydrated, "Number of partial changes hydrated from the provider"),
		cntErrors:     mustCounter(metricErrors, "Number of failed sync ticks"),
		gaugeDegraded: degraded,
	}
	for _, src := range sources {
		e.status[src] = &SourceStatus{Source: src, State: StateUninitialized}
		e.ticking[src] = &sync.Mutex{}
	}
	return e
}

// Sources returns the sources this engine schedules.
func (e *Engine) Sources() []model.Source {
	return slices.Clone(e.sources)
}

// loadStates marks sources that already have a cursor as running.
func (e *Engine) loadStates(ctx context.Context) {
	for _, src := range e.sources {
		cur, err := e.cursors.GetCursor(ctx, src)
		if err != nil {
			e.log.Error("loading cursor", "source", src, "error", err)
			continue
		}
		if cur == nil {
			continue
		}
		e.mu.Lock()
		st := e.status[src]
		st.State = StateRunning
		st.LastChangeID = cur.LastChangeID
		e.mu.Unlock()
	}
}

// tick runs one reconciler pass for src, recording a trace span and metrics.
// The caller must hold the source's tick lock.
func (e *Engine) tick(ctx context.Context, src model.Source) (stats Stats, err error) {
	ctx, span := e.tracer.Start(ctx, spanTick,
		trace.WithAttributes(attribute.String("sync.source", string(src))))
	defer span.End()

	e.mu.Lock()
	if st := e.status[src]; st.State == StateUninitialized {
		st.State = StateSeeding
	}
	e.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tick for %s panicked: %v", src, p)
			e.log.Error("tick panicked", "source", src, "panic", p)
		}
		e.observe(ctx, src, stats, err)
		span.SetAttributes(
			attribute.Int64("sync.cursor_from", stats.CursorFrom),
			attribute.Int64("sync.cursor_to", stats.CursorTo),
			attribute.Int("sync.drained", stats.Drained),
			attribute.Int("sync.applied", stats.Applied),
			attribute.Int("sync.tombstoned", stats.Tombstoned),
			attribute.Int("sync.skipped", stats.Skipped),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return e.reconciler.Tick(ctx, src)
}

// observe folds a tick's outcome into the source's status and counters.
func (e *Engine) observe(ctx context.Context, src model.Source, stats Stats, err error) {
	attrs := metric.WithAttributes(attribute.String("source", string(src)))
	if stats.Applied > 0 {
		e.cntApplied.Add(ctx, int64(stats.Applied), attrs)
	}
	if stats.Tombstoned > 0 {
		e.cntTombstoned.Add(ctx, int64(stats.Tombstoned), attrs)
	}
	if stats.Skipped > 0 {
		e.cntSkipped.Add(ctx, int64(stats.Skipped), attrs)
	}
	if stats.Hydrated > 0 {
		e.cntHydrated.Add(ctx, int64(stats.Hydrated), attrs)
	}

	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.status[src]
	prev := st.State
	st.LastTickAt = now
	st.LastStats = stats

	if err == nil {
		st.State = StateRunning
		st.LastChangeID = stats.CursorTo
		st.LastSuccessAt = now
		st.ConsecutiveFailures = 0
		st.LastError = ""
	} else {
		e.cntErrors.Add(ctx, 1, attrs)
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		if stats.Seeded {
			st.LastChangeID = stats.CursorFrom
		}
		switch {
		case errors.Is(err, ErrSeedFailed):
			st.State = StateSeeding
		case errors.Is(err, source.ErrUpstreamUnavailable):
			st.State = StateDegraded
		case stats.Seeded:
			st.State = StateRunning
		}
	}

	switch {
	case prev != StateDegraded && st.State == StateDegraded:
		e.gaugeDegraded.Add(ctx, 1)
		e.log.Warn("source degraded", "source", src, "consecutive_failures", st.ConsecutiveFailures, "error", err)
	case prev == StateDegraded && st.State != StateDegraded:
		e.gaugeDegraded.Add(ctx, -1)
		e.log.Info("source recovered", "source", src)
	}
}

// safeTick takes the source's tick lock, blocking until any in-flight tick
// finishes.
func (e *Engine) safeTick(ctx context.Context, src model.Source) (Stats, error) {
	lock := e.ticking[src]
	lock.Lock()
	defer lock.Unlock()
	return e.tick(ctx, src)
}

// TickNow runs an immediate tick for src. It returns [ErrTickInProgress]
// instead of queuing when one is already running.
func (e *Engine) TickNow(ctx context.Context, src model.Source) (Stats, error) {
	lock, ok := e.ticking[src]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownSource, src)
	}
	if !lock.TryLock() {
		return Stats{}, fmt.Errorf("%w: %s", ErrTickInProgress, src)
	}
	defer lock.Unlock()
	return e.tick(ctx, src)
}

// ResetCursor moves src's cursor to changeID, lowering it if need be. It
// takes the source's tick lock so no in-flight tick can advance over the
// reset, and returns [ErrTickInProgress] while one is running.
func (e *Engine) ResetCursor(ctx context.Context, src model.Source, changeID int64) (*model.ChangeCursor, error) {
	lock, ok := e.ticking[src]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, src)
	}
	if err := source.ValidateCursor(changeID); err != nil {
		return nil, err
	}
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrTickInProgress, src)
	}
	defer lock.Unlock()

	if err := e.cursors.ResetCursor(ctx, src, changeID, e.reconciler.now()); err != nil {
		return nil, err
	}
	cur, err := e.cursors.GetCursor(ctx, src)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	st := e.status[src]
	st.LastChangeID = changeID
	if st.State == StateUninitialized || st.State == StateSeeding {
		st.State = StateRunning
	}
	e.mu.Unlock()

	e.log.Warn("change cursor reset by operator", "source", src, "change_id", changeID)
	return cur, nil
}

// RunOnce performs a single tick for each of the given sources, or for all
// sources when none are given. Every source is attempted; the returned error
// joins the individual failures.
func (e *Engine) RunOnce(ctx context.Context, sources ...model.Source) (map[model.Source]Stats, error) {
	if len(sources) == 0 {
		sources = e.sources
	}
	e.loadStates(ctx)

	out := make(map[model.Source]Stats, len(sources))
	var errs []error
	for _, src := range sources {
		if _, ok := e.ticking[src]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownSource, src))
			continue
		}
		stats, err := e.safeTick(ctx, src)
		out[src] = stats
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// Status returns every source's status, ordered by source.
func (e *Engine) Status() []SourceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]SourceStatus, 0, len(e.sources))
	for _, src := range e.sources {
		out = append(out, *e.status[src])
	}
	return out
}

// SourceStatus returns the status of one source.
func (e *Engine) SourceStatus(src model.Source) (SourceStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.status[src]
	if !ok {
		return SourceStatus{}, false
	}
	return *st, true
}

// interval returns the wait before the next tick of src.
func (e *Engine) interval(src model.Source) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status[src].State == StateDegraded {
		return e.degraded
	}
	return e.poll
}

// Run starts one polling loop per source. Each loop ticks immediately and
// then waits the poll interval (or the degraded interval while its provider
// is failing). Run blocks until ctx is cancelled and every in-flight tick has
// finished applying.
func (e *Engine) Run(ctx context.Context) error {
	e.loadStates(ctx)

	var wg sync.WaitGroup
	for _, src := range e.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.loop(ctx, src)
		}()
	}

	<-ctx.Done()
	e.log.Info("sync engine shutting down")
	wg.Wait()
	return ctx.Err()
}

func (e *Engine) loop(ctx context.Context, src model.Source) {
	for {
		if _, err := e.safeTick(ctx, src); err != nil {
			e.log.Error("tick failed", "source", src, "error", err)
		}
		if ctx.Err() != nil {
			return
		}

		wait := e.interval(src)
		e.mu.Lock()
		e.status[src].NextTickAt = time.Now().Add(wait)
		e.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
