package room

import (
	"math"
	"time"
)

const (
	// influenceHalfLife is the age at which a role's raw influence halves.
	influenceHalfLife = 30 * time.Second

	// influenceFloor is the minimum raw influence a role retains once it has
	// submitted input, so long-idle roles never vanish from the meter.
	influenceFloor = 0.05
)

// recomputeInfluence rebuilds the per-role influence weights from input
// recency: raw = max(floor, 2^(-age/halflife)), normalised to sum to 1.0 and
// rounded to two decimals. Roles that never submitted input carry no weight.
// Caller holds the room lock.
func (r *Room) recomputeInfluence(now time.Time) {
	if len(r.inputTimes) == 0 {
		r.influenceWeights = make(map[Role]float64)
		return
	}

	raw := make(map[Role]float64, len(r.inputTimes))
	total := 0.0
	for role, last := range r.inputTimes {
		age := now.Sub(last).Seconds()
		if age < 0 {
			age = 0
		}
		w := math.Exp2(-age / influenceHalfLife.Seconds())
		if w < influenceFloor {
			w = influenceFloor
		}
		raw[role] = w
		total += w
	}

	weights := make(map[Role]float64, len(raw))
	for role, w := range raw {
		weights[role] = round2(w / total)
	}
	r.influenceWeights = weights
}
