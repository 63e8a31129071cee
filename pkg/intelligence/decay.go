package intelligence

import (
	"math"
	"time"
)

const (
	// DefaultDecayRate is each memory's starting per-day decay.
	DefaultDecayRate = 0.02

	// ArchiveFloor is the salience below which a memory is flagged
	// archived. Archived memories are demoted, never deleted.
	ArchiveFloor = 0.05

	// MaxSalience caps reinforcement.
	MaxSalience = 1.0

	// ReinforceBoost is the salience added per direct reinforcement.
	ReinforceBoost = 0.1

	// PropagationFactor scales the boost applied to one-hop neighbors.
	PropagationFactor = 0.5
)

// Decay applies linear salience decay over the elapsed time, clamped at
// zero. rate is the per-day decay fraction.
func Decay(salience, rate float64, elapsed time.Duration) float64 {
	days := elapsed.Hours() / 24
	if days <= 0 {
		return salience
	}
	out := salience * (1 - rate*days)
	if out < 0 {
		return 0
	}
	return out
}

// ShouldArchive reports whether a decayed salience has crossed the floor.
func ShouldArchive(salience float64) bool {
	return salience < ArchiveFloor
}

// Reinforce raises salience by boost, clamped to MaxSalience.
func Reinforce(salience, boost float64) float64 {
	out := salience + boost
	if out > MaxSalience {
		return MaxSalience
	}
	return out
}

// AccessBoost converts an access count accumulated since the last sweep
// into a salience boost with diminishing returns.
func AccessBoost(accesses int64) float64 {
	if accesses <= 0 {
		return 0
	}
	return ReinforceBoost * math.Log1p(float64(accesses))
}

// RecencyScore maps age onto (0, 1] with exponential falloff at the given
// half life.
func RecencyScore(age time.Duration, halfLife time.Duration) float64 {
	if halfLife <= 0 || age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}
