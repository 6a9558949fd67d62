package projection

// DefaultCeiling is the display ceiling above which a series is decimated.
const DefaultCeiling = 150

// Decimate down-samples a series for display: when the point count exceeds
// the ceiling, every k-th point is kept where k = ceil(count / ceiling).
// The first point is always kept and the last point is force-included so
// the decimated series spans the full range of the original.
//
// Decimation is display-only: the input is never mutated, and the result
// is a fresh slice even when no decimation occurs.
func Decimate[T any](points []T, ceiling int) []T {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	out := make([]T, 0, min(len(points), ceiling+1))
	if len(points) <= ceiling {
		return append(out, points...)
	}

	k := (len(points) + ceiling - 1) / ceiling
	for i := 0; i < len(points); i += k {
		out = append(out, points[i])
	}

	// Force-include the final point when the stride skipped it.
	if (len(points)-1)%k != 0 {
		out = append(out, points[len(points)-1])
	}
	return out
}
