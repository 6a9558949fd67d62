package projection

import (
	"github.com/c360/flowscope/pkg/timestamp"
	"github.com/c360/flowscope/telemetry"
)

// ChartType identifies the visual form a projection feeds.
type ChartType string

const (
	ChartLine     ChartType = "line"
	ChartBar      ChartType = "bar"
	ChartPie      ChartType = "pie"
	ChartDoughnut ChartType = "doughnut"
	ChartScatter  ChartType = "scatter"
	ChartBubble   ChartType = "bubble"
)

// Kind groups chart types by the projection shape they consume.
type Kind string

const (
	KindTimeSeries  Kind = "timeseries"
	KindCategorical Kind = "categorical"
	KindCorrelation Kind = "correlation"
)

// Kind returns the projection shape for the chart type. Unknown chart
// types project as time series, the dashboard's default form.
func (c ChartType) Kind() Kind {
	switch c {
	case ChartPie, ChartDoughnut:
		return KindCategorical
	case ChartScatter, ChartBubble:
		return KindCorrelation
	default:
		return KindTimeSeries
	}
}

// Projection is a derived, read-only view of the series for one chart type
// under one filter state. Projections are never mutated in place; a new
// filter state yields a new Projection.
type Projection interface {
	ProjectionKind() Kind
	// Empty reports whether the projection contains no data points. An
	// empty projection is still fully formed and renders as "no data".
	Empty() bool
}

// TimeSeriesProjection carries one label per retained point and one value
// array per metric, in chronological order. Absent readings stay absent in
// the value arrays so renderers can gap the line instead of plotting zero.
type TimeSeriesProjection struct {
	Labels []string                               `json:"labels"`
	Values map[telemetry.Field][]telemetry.Sample `json:"values"`
}

func (p TimeSeriesProjection) ProjectionKind() Kind { return KindTimeSeries }
func (p TimeSeriesProjection) Empty() bool          { return len(p.Labels) == 0 }

// CategoricalSumProjection carries one accumulated total per metric across
// all retained points, used for distribution views. PointCount is the
// number of retained points the totals were summed over; an all-zero
// distribution over real points is data, not absence of data.
type CategoricalSumProjection struct {
	Totals     map[telemetry.Field]float64 `json:"totals"`
	PointCount int                         `json:"point_count"`
}

func (p CategoricalSumProjection) ProjectionKind() Kind { return KindCategorical }
func (p CategoricalSumProjection) Empty() bool          { return p.PointCount == 0 }

// CorrelationBands is the number of qualitative tiers the band metric is
// bucketed into for color-coding.
const CorrelationBands = 4

// CorrelationPoint is one (x, y) pair with an ordinal band derived from a
// third metric.
type CorrelationPoint struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Band int     `json:"band"`
}

// CorrelationProjection pairs two metrics per point. Points missing either
// paired metric are dropped; a missing band metric lands in band 0.
type CorrelationProjection struct {
	XField    telemetry.Field    `json:"x_field"`
	YField    telemetry.Field    `json:"y_field"`
	BandField telemetry.Field    `json:"band_field"`
	Points    []CorrelationPoint `json:"points"`
}

func (p CorrelationProjection) ProjectionKind() Kind { return KindCorrelation }
func (p CorrelationProjection) Empty() bool          { return len(p.Points) == 0 }

// Options tunes projection output. The zero value selects the defaults
// used by the dashboard.
type Options struct {
	// DecimationCeiling caps the number of points a time-series or
	// correlation projection carries. Zero means DefaultCeiling.
	DecimationCeiling int
	// Correlation axis selection; zero values select flow vs. pressure
	// banded by fluid state.
	CorrelationX    telemetry.Field
	CorrelationY    telemetry.Field
	CorrelationBand telemetry.Field
}

func (o Options) ceiling() int {
	if o.DecimationCeiling > 0 {
		return o.DecimationCeiling
	}
	return DefaultCeiling
}

func (o Options) axes() (x, y, band telemetry.Field) {
	x, y, band = o.CorrelationX, o.CorrelationY, o.CorrelationBand
	if x == "" {
		x = telemetry.FieldFlow
	}
	if y == "" {
		y = telemetry.FieldPressure
	}
	if band == "" {
		band = telemetry.FieldFluidState
	}
	return x, y, band
}

// Project applies the filter state to the series and reshapes the retained
// points for the chart type. Empty or fully-filtered input yields a
// well-formed empty projection, never nil.
func Project(series []telemetry.SeriesPoint, filters Filters, chartType ChartType, opts Options) Projection {
	retained := filters.Apply(series)

	switch chartType.Kind() {
	case KindCategorical:
		return projectCategorical(retained)
	case KindCorrelation:
		return projectCorrelation(retained, opts)
	default:
		return projectTimeSeries(retained, opts)
	}
}

func projectTimeSeries(points []telemetry.SeriesPoint, opts Options) TimeSeriesProjection {
	points = Decimate(points, opts.ceiling())

	p := TimeSeriesProjection{
		Labels: make([]string, 0, len(points)),
		Values: make(map[telemetry.Field][]telemetry.Sample, len(telemetry.Fields())),
	}
	for _, f := range telemetry.Fields() {
		p.Values[f] = make([]telemetry.Sample, 0, len(points))
	}

	for _, pt := range points {
		p.Labels = append(p.Labels, timestamp.FormatLabel(pt.TimestampMs))
		for _, f := range telemetry.Fields() {
			p.Values[f] = append(p.Values[f], pt.Sample(f))
		}
	}
	return p
}

func projectCategorical(points []telemetry.SeriesPoint) CategoricalSumProjection {
	p := CategoricalSumProjection{
		Totals:     make(map[telemetry.Field]float64, len(telemetry.Fields())),
		PointCount: len(points),
	}
	for _, f := range telemetry.Fields() {
		p.Totals[f] = 0
	}

	for _, pt := range points {
		for _, f := range telemetry.Fields() {
			if s := pt.Sample(f); s.Present {
				p.Totals[f] += s.Value
			}
		}
	}
	return p
}

func projectCorrelation(points []telemetry.SeriesPoint, opts Options) CorrelationProjection {
	points = Decimate(points, opts.ceiling())
	x, y, band := opts.axes()

	p := CorrelationProjection{
		XField:    x,
		YField:    y,
		BandField: band,
		Points:    make([]CorrelationPoint, 0, len(points)),
	}

	// Band boundaries come from the retained points' own band-metric range,
	// split into equal tiers.
	lo, hi, any := bandRange(points, band)

	for _, pt := range points {
		xs, ys := pt.Sample(x), pt.Sample(y)
		if !xs.Present || !ys.Present {
			continue
		}
		p.Points = append(p.Points, CorrelationPoint{
			X:    xs.Value,
			Y:    ys.Value,
			Band: bandOf(pt.Sample(band), lo, hi, any),
		})
	}
	return p
}

func bandRange(points []telemetry.SeriesPoint, band telemetry.Field) (lo, hi float64, any bool) {
	for _, pt := range points {
		s := pt.Sample(band)
		if !s.Present {
			continue
		}
		if !any || s.Value < lo {
			lo = s.Value
		}
		if !any || s.Value > hi {
			hi = s.Value
		}
		any = true
	}
	return lo, hi, any
}

func bandOf(s telemetry.Sample, lo, hi float64, any bool) int {
	if !s.Present || !any || hi == lo {
		return 0
	}
	band := int(float64(CorrelationBands) * (s.Value - lo) / (hi - lo))
	if band >= CorrelationBands {
		band = CorrelationBands - 1
	}
	return band
}
