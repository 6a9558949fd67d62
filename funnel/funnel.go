// Package funnel wires the live data path together: batches arrive from a
// feed transport, survive normalization, merge into the series store, and
// fan out as fresh projections for every configured chart slot.
//
// The funnel owns a single consumer goroutine. All merging and projection
// happens there, so sinks observe slot updates in a consistent order and
// slot reconfiguration never races a batch merge.
package funnel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/c360/flowscope/aggregate"
	"github.com/c360/flowscope/errors"
	"github.com/c360/flowscope/feed"
	"github.com/c360/flowscope/metric"
	"github.com/c360/flowscope/projection"
	"github.com/c360/flowscope/querystore"
	"github.com/c360/flowscope/render"
	"github.com/c360/flowscope/seriesstore"
	"github.com/c360/flowscope/telemetry"
)

// ChartSlot addresses one chart position on one dashboard.
type ChartSlot struct {
	Owner string `json:"owner"`
	Slot  string `json:"slot"`
}

// SlotConfig is the full display request for a slot: what chart to draw,
// which points survive, and how coarsely they are bucketed first.
type SlotConfig struct {
	ChartType   projection.ChartType  `json:"chart_type"`
	Filters     projection.Filters    `json:"filters"`
	Granularity aggregate.Granularity `json:"granularity"`
}

// Update is one emitted slot refresh.
type Update struct {
	Slot       ChartSlot
	Projection projection.Projection
	Summary    projection.MetricsSummary
	Generation uint64
}

// Sink receives slot updates. Called from the funnel's consumer goroutine;
// implementations must not block for long.
type Sink func(Update)

// Loader is the fallback query surface consulted when no feed can deliver
// an initial batch.
type Loader interface {
	QueryRange(ctx context.Context, req querystore.Request) ([]telemetry.RawRecord, error)
}

// Config holds funnel configuration.
type Config struct {
	// InitialFromMs and InitialToMs bound the fallback range query.
	InitialFromMs int64 `json:"initial_from_ms"`
	InitialToMs   int64 `json:"initial_to_ms"`

	// DecimationCeiling caps points per rendered series.
	DecimationCeiling int `json:"decimation_ceiling"`

	// ReconfigBuffer is the capacity of the slot reconfiguration queue.
	ReconfigBuffer int `json:"reconfig_buffer"`
}

// DefaultConfig returns the default funnel configuration.
func DefaultConfig() Config {
	return Config{
		DecimationCeiling: 150,
		ReconfigBuffer:    32,
	}
}

// Validate checks the configuration for usability.
func (c Config) Validate() error {
	if c.DecimationCeiling <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: decimation_ceiling must be positive", errors.ErrInvalidConfig),
			"funnel",
			"Validate",
			"check decimation ceiling",
		)
	}
	if c.ReconfigBuffer <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: reconfig_buffer must be positive", errors.ErrInvalidConfig),
			"funnel",
			"Validate",
			"check reconfig buffer",
		)
	}
	return nil
}

// slotState tracks one configured slot. generation increments on every
// reconfiguration so stale in-flight projections can be discarded.
type slotState struct {
	config     SlotConfig
	generation uint64
}

type reconfigRequest struct {
	slot       ChartSlot
	generation uint64
}

// Funnel is the live data orchestrator.
type Funnel struct {
	config    Config
	transport feed.Transport
	loader    Loader
	store     *seriesstore.Store
	renders   *render.Registry
	sink      Sink
	logger    *slog.Logger
	metrics   *metric.Metrics

	lifecycleMu  sync.Mutex
	started      atomic.Bool
	cancel       context.CancelFunc
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	slotMu sync.Mutex
	slots  map[ChartSlot]*slotState

	reconfigs chan reconfigRequest

	// batches is nil when running on fallback data only.
	batches <-chan feed.Batch
}

// New creates a funnel. transport is required; loader, renders, logger and
// metrics may be nil. sink is required.
func New(
	config Config,
	transport feed.Transport,
	loader Loader,
	renders *render.Registry,
	sink Sink,
	logger *slog.Logger,
	metrics *metric.Metrics,
) (*Funnel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: transport is required", errors.ErrInvalidConfig),
			"funnel",
			"New",
			"check transport",
		)
	}
	if sink == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: sink is required", errors.ErrInvalidConfig),
			"funnel",
			"New",
			"check sink",
		)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Funnel{
		config:    config,
		transport: transport,
		loader:    loader,
		store:     seriesstore.New(),
		renders:   renders,
		sink:      sink,
		logger:    logger.With("component", "funnel"),
		metrics:   metrics,
		slots:     make(map[ChartSlot]*slotState),
		reconfigs: make(chan reconfigRequest, config.ReconfigBuffer),
		shutdown:  make(chan struct{}),
	}, nil
}

// Store exposes the live series store for inspection.
func (f *Funnel) Store() *seriesstore.Store {
	return f.store
}

// Start brings the feed up and begins consuming. If the feed fails to
// start, the funnel falls back to a range query; if that also fails, Start
// returns a load error and the store is left untouched.
func (f *Funnel) Start(ctx context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.started.Load() {
		return errors.WrapFatal(
			errors.ErrAlreadyStarted,
			"funnel",
			"Start",
			"check started state",
		)
	}

	funnelCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	if err := f.transport.Start(funnelCtx); err != nil {
		f.logger.Warn("feed failed to start, falling back to range query", "error", err)
		if loadErr := f.loadFallback(funnelCtx); loadErr != nil {
			cancel()
			return loadErr
		}
	} else {
		f.batches = f.transport.Batches()
	}

	f.wg.Add(1)
	go f.run(funnelCtx)

	f.started.Store(true)
	return nil
}

// Stop shuts the feed down, stops the consumer, and retires every render
// handle the funnel's slots still hold.
func (f *Funnel) Stop(timeout time.Duration) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if !f.started.Load() {
		return nil
	}

	f.shutdownOnce.Do(func() {
		close(f.shutdown)
	})
	f.cancel()

	if err := f.transport.Stop(timeout); err != nil {
		f.logger.Warn("feed stop failed", "error", err)
	}

	doneCh := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"funnel",
			"Stop",
			"wait for consumer",
		)
	}

	if f.renders != nil {
		f.renders.RetireAll()
	}
	f.started.Store(false)
	return nil
}

// ConfigureSlot installs or replaces the display request for a slot and
// returns the new generation. Any render handle the slot held is retired
// before the new projection is emitted; the projection itself is computed
// asynchronously by the consumer goroutine.
func (f *Funnel) ConfigureSlot(owner, slot string, config SlotConfig) (uint64, error) {
	if config.Granularity != "" && !config.Granularity.Valid() {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: unknown granularity %q", errors.ErrInvalidConfig, config.Granularity),
			"funnel",
			"ConfigureSlot",
			"check granularity",
		)
	}
	if config.Granularity == "" {
		config.Granularity = aggregate.GranularityNone
	}
	if err := config.Filters.Validate(); err != nil {
		return 0, errors.Wrap(err, "funnel", "ConfigureSlot", "check filters")
	}

	key := ChartSlot{Owner: owner, Slot: slot}

	f.slotMu.Lock()
	state, ok := f.slots[key]
	if !ok {
		state = &slotState{}
		f.slots[key] = state
	}
	state.config = config
	state.generation++
	generation := state.generation
	f.slotMu.Unlock()

	if f.renders != nil {
		if id, ok := f.renders.ActiveForSlot(owner, slot); ok {
			f.renders.Unregister(id)
		}
	}

	f.enqueueReconfig(reconfigRequest{slot: key, generation: generation})

	f.logger.Debug("slot configured",
		"owner", owner, "slot", slot,
		"chart_type", config.ChartType, "generation", generation)
	return generation, nil
}

// RemoveSlot drops a slot and retires its render handle. Unknown slots are
// a no-op.
func (f *Funnel) RemoveSlot(owner, slot string) {
	key := ChartSlot{Owner: owner, Slot: slot}

	f.slotMu.Lock()
	delete(f.slots, key)
	f.slotMu.Unlock()

	if f.renders != nil {
		if id, ok := f.renders.ActiveForSlot(owner, slot); ok {
			f.renders.Unregister(id)
		}
	}
}

// enqueueReconfig queues a projection request without blocking the caller.
// When the queue is full the oldest pending request is displaced to make
// room; every merge refreshes all slots at their current generation, so a
// displaced request is deferred to the next batch, never lost.
func (f *Funnel) enqueueReconfig(req reconfigRequest) {
	for {
		select {
		case f.reconfigs <- req:
			return
		case <-f.shutdown:
			return
		default:
		}

		select {
		case <-f.reconfigs:
		default:
		}
	}
}

// run is the single consumer goroutine: batches and slot reconfigurations
// interleave here and nowhere else.
func (f *Funnel) run(ctx context.Context) {
	defer f.wg.Done()

	// Nil when running on fallback data; a nil channel never fires.
	batches := f.batches

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.shutdown:
			return
		case batch, ok := <-batches:
			if !ok {
				f.logger.Info("feed channel closed")
				batches = nil
				continue
			}
			f.consumeBatch(batch)
			f.projectAll()
		case req := <-f.reconfigs:
			f.projectSlot(req.slot, req.generation)
		}
	}
}

// consumeBatch normalizes and merges one batch into the store.
func (f *Funnel) consumeBatch(batch feed.Batch) {
	start := time.Now()

	points, dropped := telemetry.NormalizeBatch(batch.Records)
	merged := f.store.Merge(points)

	if f.metrics != nil {
		if dropped > 0 {
			f.metrics.RecordsDropped.WithLabelValues("unusable_timestamp").Add(float64(dropped))
		}
		f.metrics.PointsMerged.Add(float64(merged))
		f.metrics.StoreSize.Set(float64(f.store.Len()))
		f.metrics.MergeDuration.Observe(time.Since(start).Seconds())
	}

	f.logger.Debug("batch merged",
		"source", batch.Source,
		"records", len(batch.Records),
		"dropped", dropped,
		"new_points", merged,
		"store_size", f.store.Len())
}

// projectAll refreshes every configured slot at its current generation.
func (f *Funnel) projectAll() {
	f.slotMu.Lock()
	pending := make([]reconfigRequest, 0, len(f.slots))
	for key, state := range f.slots {
		pending = append(pending, reconfigRequest{slot: key, generation: state.generation})
	}
	f.slotMu.Unlock()

	for _, req := range pending {
		f.projectSlot(req.slot, req.generation)
	}
}

// projectSlot computes and emits one slot's projection, unless the request
// generation is stale by the time it runs.
func (f *Funnel) projectSlot(key ChartSlot, generation uint64) {
	f.slotMu.Lock()
	state, ok := f.slots[key]
	if !ok || state.generation != generation {
		f.slotMu.Unlock()
		return
	}
	config := state.config
	f.slotMu.Unlock()

	series := f.store.Snapshot()
	if config.Granularity != aggregate.GranularityNone {
		series = aggregate.Points(aggregate.Aggregate(series, config.Granularity))
	}

	displayed := config.Filters.Apply(series)
	proj := projection.Project(displayed, projection.Filters{}, config.ChartType, projection.Options{
		DecimationCeiling: f.config.DecimationCeiling,
	})
	summary := projection.Summarize(displayed)

	// A reconfiguration may have landed while we were projecting.
	f.slotMu.Lock()
	state, ok = f.slots[key]
	stale := !ok || state.generation != generation
	f.slotMu.Unlock()
	if stale {
		return
	}

	if f.metrics != nil {
		f.metrics.ProjectionsBuilt.WithLabelValues(string(config.ChartType)).Inc()
	}

	f.sink(Update{
		Slot:       key,
		Projection: proj,
		Summary:    summary,
		Generation: generation,
	})
}

// loadFallback pulls the initial range from the query surface and merges
// it. The store is only touched when the query succeeds.
func (f *Funnel) loadFallback(ctx context.Context) error {
	if f.loader == nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: no query surface configured", errors.ErrLoadFailed),
			"funnel",
			"loadFallback",
			"check loader",
		)
	}

	records, err := f.loader.QueryRange(ctx, querystore.Request{
		FromMs: f.config.InitialFromMs,
		ToMs:   f.config.InitialToMs,
	})
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrLoadFailed, err),
			"funnel",
			"loadFallback",
			"query initial range",
		)
	}

	points, dropped := telemetry.NormalizeBatch(records)
	merged := f.store.Merge(points)

	if f.metrics != nil {
		if dropped > 0 {
			f.metrics.RecordsDropped.WithLabelValues("unusable_timestamp").Add(float64(dropped))
		}
		f.metrics.PointsMerged.Add(float64(merged))
		f.metrics.StoreSize.Set(float64(f.store.Len()))
	}

	f.logger.Info("fallback load complete",
		"records", len(records), "dropped", dropped, "new_points", merged)
	return nil
}
