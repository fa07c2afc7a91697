// Package idle decides whether an instance has gone idle from a
// sliding window of recent utilization samples.
package idle

// IsIdle reports whether the newest window values are all below
// threshold. values must be ordered oldest to newest. Fewer than
// window values means insufficient history, which is never idle: a
// freshly launched instance must not be flagged before its workload
// ramps up.
func IsIdle(values []float64, window int, threshold float64) bool {
	if window <= 0 || len(values) < window {
		return false
	}
	for _, v := range values[len(values)-window:] {
		if v >= threshold {
			return false
		}
	}
	return true
}
