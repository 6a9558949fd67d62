package funnel

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/flowscope/aggregate"
	"github.com/c360/flowscope/errors"
	"github.com/c360/flowscope/feed"
	"github.com/c360/flowscope/projection"
	"github.com/c360/flowscope/querystore"
	"github.com/c360/flowscope/render"
	"github.com/c360/flowscope/telemetry"
)

// baseMs is an unambiguous epoch-ms origin for test timestamps.
const baseMs = int64(1_700_000_000_000)

type fakeTransport struct {
	ch       chan feed.Batch
	startErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan feed.Batch, 8)}
}

func (t *fakeTransport) Start(_ context.Context) error { return t.startErr }

func (t *fakeTransport) Stop(_ time.Duration) error { return nil }

func (t *fakeTransport) Batches() <-chan feed.Batch { return t.ch }

type fakeLoader struct {
	records []telemetry.RawRecord
	err     error
	calls   int
}

func (l *fakeLoader) QueryRange(_ context.Context, _ querystore.Request) ([]telemetry.RawRecord, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.records, nil
}

type fakeEngine struct {
	destroyed int
}

func (e *fakeEngine) Destroy() error {
	e.destroyed++
	return nil
}

func collectingSink(buffer int) (Sink, chan Update) {
	ch := make(chan Update, buffer)
	return func(u Update) { ch <- u }, ch
}

func waitUpdate(t *testing.T, ch chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for update")
		return Update{}
	}
}

func newTestFunnel(t *testing.T, transport feed.Transport, loader Loader, renders *render.Registry) (*Funnel, chan Update) {
	t.Helper()

	sink, updates := collectingSink(64)
	f, err := New(DefaultConfig(), transport, loader, renders, sink, nil, nil)
	require.NoError(t, err)
	return f, updates
}

func record(ms int64, flow float64) telemetry.RawRecord {
	return telemetry.RawRecord{"timestamp": ms, "flow": flow}
}

func TestFunnel_BatchFlowsThroughToSink(t *testing.T) {
	transport := newFakeTransport()
	f, updates := newTestFunnel(t, transport, nil, nil)

	_, err := f.ConfigureSlot("dash", "main", SlotConfig{ChartType: projection.ChartLine})
	require.NoError(t, err)

	require.NoError(t, f.Start(context.Background()))
	defer func() { _ = f.Stop(2 * time.Second) }()

	// The queued configure produces an empty first update.
	first := waitUpdate(t, updates)
	assert.True(t, first.Projection.Empty())

	transport.ch <- feed.Batch{
		Records: []telemetry.RawRecord{
			record(baseMs, 10),
			record(baseMs+1000, 20),
		},
		Source:     "test",
		ReceivedAt: time.Now(),
	}

	update := waitUpdate(t, updates)
	assert.Equal(t, ChartSlot{Owner: "dash", Slot: "main"}, update.Slot)

	ts, ok := update.Projection.(projection.TimeSeriesProjection)
	require.True(t, ok)
	assert.Len(t, ts.Labels, 2)
	require.Len(t, ts.Values[telemetry.FieldFlow], 2)
	assert.Equal(t, 10.0, ts.Values[telemetry.FieldFlow][0].Value)

	require.True(t, update.Summary.MeanFlow.Present)
	assert.InDelta(t, 15.0, update.Summary.MeanFlow.Value, 1e-9)
}

func TestFunnel_EachMergeReprojectsAllSlots(t *testing.T) {
	transport := newFakeTransport()
	f, updates := newTestFunnel(t, transport, nil, nil)

	_, err := f.ConfigureSlot("dash", "a", SlotConfig{ChartType: projection.ChartLine})
	require.NoError(t, err)
	_, err = f.ConfigureSlot("dash", "b", SlotConfig{ChartType: projection.ChartPie})
	require.NoError(t, err)

	require.NoError(t, f.Start(context.Background()))
	defer func() { _ = f.Stop(2 * time.Second) }()

	// Drain the two configure-triggered updates.
	waitUpdate(t, updates)
	waitUpdate(t, updates)

	transport.ch <- feed.Batch{
		Records: []telemetry.RawRecord{record(baseMs, 5)},
	}

	got := map[string]projection.Kind{}
	for i := 0; i < 2; i++ {
		u := waitUpdate(t, updates)
		got[u.Slot.Slot] = u.Projection.ProjectionKind()
	}
	assert.Equal(t, projection.KindTimeSeries, got["a"])
	assert.Equal(t, projection.KindCategorical, got["b"])
}

func TestFunnel_SupersessionDiscardsStaleRequests(t *testing.T) {
	transport := newFakeTransport()
	f, updates := newTestFunnel(t, transport, nil, nil)

	// Two reconfigurations queue before the consumer runs; only the
	// latest generation may reach the sink.
	gen1, err := f.ConfigureSlot("dash", "main", SlotConfig{ChartType: projection.ChartLine})
	require.NoError(t, err)
	gen2, err := f.ConfigureSlot("dash", "main", SlotConfig{ChartType: projection.ChartBar})
	require.NoError(t, err)
	assert.Greater(t, gen2, gen1)

	require.NoError(t, f.Start(context.Background()))
	defer func() { _ = f.Stop(2 * time.Second) }()

	update := waitUpdate(t, updates)
	assert.Equal(t, gen2, update.Generation)

	select {
	case stale := <-updates:
		t.Fatalf("stale update emitted: generation %d", stale.Generation)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFunnel_GranularityCollapsesBuckets(t *testing.T) {
	transport := newFakeTransport()
	f, updates := newTestFunnel(t, transport, nil, nil)

	require.NoError(t, f.Start(context.Background()))
	defer func() { _ = f.Stop(2 * time.Second) }()

	transport.ch <- feed.Batch{
		Records: []telemetry.RawRecord{
			record(baseMs, 10),
			record(baseMs+60_000, 20),
			record(baseMs+120_000, 30),
		},
	}

	// Give the merge a moment, then configure a day-bucketed slot.
	require.Eventually(t, func() bool { return f.Store().Len() == 3 },
		2*time.Second, 10*time.Millisecond)

	_, err := f.ConfigureSlot("dash", "main", SlotConfig{
		ChartType:   projection.ChartLine,
		Granularity: aggregate.GranularityDay,
	})
	require.NoError(t, err)

	update := waitUpdate(t, updates)
	ts, ok := update.Projection.(projection.TimeSeriesProjection)
	require.True(t, ok)
	require.Len(t, ts.Labels, 1)
	assert.InDelta(t, 20.0, ts.Values[telemetry.FieldFlow][0].Value, 1e-9)
}

func TestFunnel_FallbackLoadsFromQuerySurface(t *testing.T) {
	transport := newFakeTransport()
	transport.startErr = errors.WrapTransient(errors.ErrFeedUnavailable, "fake", "Start", "dial")

	loader := &fakeLoader{records: []telemetry.RawRecord{
		record(baseMs, 10),
		record(baseMs+1000, 20),
	}}

	f, updates := newTestFunnel(t, transport, loader, nil)
	require.NoError(t, f.Start(context.Background()))
	defer func() { _ = f.Stop(2 * time.Second) }()

	assert.Equal(t, 1, loader.calls)
	assert.Equal(t, 2, f.Store().Len())

	_, err := f.ConfigureSlot("dash", "main", SlotConfig{ChartType: projection.ChartLine})
	require.NoError(t, err)

	update := waitUpdate(t, updates)
	ts, ok := update.Projection.(projection.TimeSeriesProjection)
	require.True(t, ok)
	assert.Len(t, ts.Labels, 2)
}

func TestFunnel_FallbackNotConsultedWhenFeedStarts(t *testing.T) {
	transport := newFakeTransport()
	loader := &fakeLoader{}

	f, _ := newTestFunnel(t, transport, loader, nil)
	require.NoError(t, f.Start(context.Background()))
	defer func() { _ = f.Stop(2 * time.Second) }()

	assert.Zero(t, loader.calls)
}

func TestFunnel_BothSourcesFailingSurfacesLoadError(t *testing.T) {
	transport := newFakeTransport()
	transport.startErr = errors.WrapTransient(errors.ErrFeedUnavailable, "fake", "Start", "dial")

	loader := &fakeLoader{err: stderrors.New("database down")}

	f, _ := newTestFunnel(t, transport, loader, nil)
	err := f.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLoadFailed)

	// The store keeps whatever it had, which here is nothing.
	assert.Zero(t, f.Store().Len())
}

func TestFunnel_FeedFailureWithoutLoaderSurfacesLoadError(t *testing.T) {
	transport := newFakeTransport()
	transport.startErr = errors.WrapTransient(errors.ErrFeedUnavailable, "fake", "Start", "dial")

	f, _ := newTestFunnel(t, transport, nil, nil)
	err := f.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLoadFailed)
}

func TestFunnel_ConfigureSlotRetiresExistingHandle(t *testing.T) {
	transport := newFakeTransport()
	renders := render.NewRegistry(nil, nil)

	f, _ := newTestFunnel(t, transport, nil, renders)

	engine := &fakeEngine{}
	_, err := renders.Register(engine, "dash", "main", nil)
	require.NoError(t, err)
	require.Equal(t, 1, renders.ActiveCount())

	_, err = f.ConfigureSlot("dash", "main", SlotConfig{ChartType: projection.ChartLine})
	require.NoError(t, err)

	assert.Equal(t, 1, engine.destroyed)
	assert.Zero(t, renders.ActiveCount())
}

func TestFunnel_RemoveSlotStopsUpdates(t *testing.T) {
	transport := newFakeTransport()
	f, updates := newTestFunnel(t, transport, nil, nil)

	_, err := f.ConfigureSlot("dash", "main", SlotConfig{ChartType: projection.ChartLine})
	require.NoError(t, err)

	require.NoError(t, f.Start(context.Background()))
	defer func() { _ = f.Stop(2 * time.Second) }()

	waitUpdate(t, updates)

	f.RemoveSlot("dash", "main")

	transport.ch <- feed.Batch{
		Records: []telemetry.RawRecord{record(baseMs, 5)},
	}

	select {
	case u := <-updates:
		t.Fatalf("update emitted for removed slot %q", u.Slot.Slot)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFunnel_StopRetiresRenderHandles(t *testing.T) {
	transport := newFakeTransport()
	renders := render.NewRegistry(nil, nil)

	f, _ := newTestFunnel(t, transport, nil, renders)

	engine := &fakeEngine{}
	_, err := renders.Register(engine, "dash", "main", nil)
	require.NoError(t, err)

	require.NoError(t, f.Start(context.Background()))
	require.NoError(t, f.Stop(2*time.Second))

	assert.Zero(t, renders.ActiveCount())
	assert.Equal(t, 1, engine.destroyed)
}

func TestFunnel_ConfigureSlotRejectsUnknownGranularity(t *testing.T) {
	transport := newFakeTransport()
	f, _ := newTestFunnel(t, transport, nil, nil)

	_, err := f.ConfigureSlot("dash", "main", SlotConfig{
		ChartType:   projection.ChartLine,
		Granularity: aggregate.Granularity("fortnight"),
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestFunnel_ConfigureSlotDoesNotBlockOnFullQueue(t *testing.T) {
	config := DefaultConfig()
	config.ReconfigBuffer = 1

	sink, updates := collectingSink(64)
	f, err := New(config, newFakeTransport(), nil, nil, sink, nil, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 8; i++ {
			_, err := f.ConfigureSlot("dash", fmt.Sprintf("slot-%d", i), SlotConfig{
				ChartType: projection.ChartLine,
			})
			assert.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("slot configuration blocked on a full queue")
	}

	// The newest request survives the displacement and is projected once
	// the consumer starts.
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop(time.Second)

	u := waitUpdate(t, updates)
	assert.Equal(t, ChartSlot{Owner: "dash", Slot: "slot-7"}, u.Slot)
}

func TestFunnel_ConfigureSlotRejectsHalfSpecifiedThreshold(t *testing.T) {
	transport := newFakeTransport()
	f, _ := newTestFunnel(t, transport, nil, nil)

	threshold := 5.0
	_, err := f.ConfigureSlot("dash", "main", SlotConfig{
		ChartType: projection.ChartLine,
		Filters: projection.Filters{Value: &projection.ValueFilter{
			Field:     telemetry.FieldFlow,
			Threshold: &threshold,
		}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestFunnel_StartTwiceFails(t *testing.T) {
	transport := newFakeTransport()
	f, _ := newTestFunnel(t, transport, nil, nil)

	require.NoError(t, f.Start(context.Background()))
	defer func() { _ = f.Stop(2 * time.Second) }()

	err := f.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestNew_Validation(t *testing.T) {
	sink, _ := collectingSink(1)

	_, err := New(DefaultConfig(), nil, nil, nil, sink, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(DefaultConfig(), newFakeTransport(), nil, nil, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	bad := DefaultConfig()
	bad.DecimationCeiling = 0
	_, err = New(bad, newFakeTransport(), nil, nil, sink, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
