package task

const (
	basePriority = 1.0
	minPriority  = 0.0
	maxPriority  = 2.0
)

// PriorityScore ranks t for opportunistic scheduling under resource pressure.
// It is a heuristic for sorting candidates, not a scheduling guarantee.
func PriorityScore(t Task) float64 {
	score := basePriority
	if t.Constraints.RequiresCharging {
		score -= 0.2
	}
	if t.Constraints.RequiresUnmeteredNetwork {
		score -= 0.1
	}
	if t.Frequency == Periodic {
		score += 0.1
	}
	if t.HasTrigger(KindPush) {
		score += 0.2
	}
	if t.HasTrigger(KindGeofence) {
		score += 0.15
	}
	if score < minPriority {
		return minPriority
	}
	if score > maxPriority {
		return maxPriority
	}
	return score
}
