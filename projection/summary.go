package projection

import "github.com/c360/flowscope/telemetry"

// MetricsSummary carries the scalar aggregates shown by the summary
// widgets, computed over the currently displayed projection set.
type MetricsSummary struct {
	MeanFlow       telemetry.Sample `json:"mean_flow"`
	MeanPressure   telemetry.Sample `json:"mean_pressure"`
	MeanFluidState telemetry.Sample `json:"mean_fluid_state"`
	MeanNoise      telemetry.Sample `json:"mean_noise"`
	MaxFluidState  telemetry.Sample `json:"max_fluid_state"`
}

// Summarize computes the summary scalars over a displayed point set. Means
// divide by the count of points where the field was present; a field absent
// everywhere stays absent in the summary.
func Summarize(points []telemetry.SeriesPoint) MetricsSummary {
	var sums [4]float64
	var counts [4]int
	maxState := telemetry.None()

	for _, p := range points {
		for i, f := range telemetry.Fields() {
			s := p.Sample(f)
			if !s.Present {
				continue
			}
			sums[i] += s.Value
			counts[i]++
		}
		if s := p.FluidState; s.Present {
			if !maxState.Present || s.Value > maxState.Value {
				maxState = s
			}
		}
	}

	mean := func(i int) telemetry.Sample {
		if counts[i] == 0 {
			return telemetry.None()
		}
		return telemetry.Some(sums[i] / float64(counts[i]))
	}

	return MetricsSummary{
		MeanFlow:       mean(0),
		MeanPressure:   mean(1),
		MeanFluidState: mean(2),
		MeanNoise:      mean(3),
		MaxFluidState:  maxState,
	}
}
