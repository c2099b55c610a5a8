// Package vardiff implements per-worker variable-difficulty retargeting:
// nudging a worker's difficulty so it produces shares at roughly the pool's
// target cadence regardless of its raw hashrate.
package vardiff

import "time"

// minDifficultyFloor is the absolute lowest difficulty vardiff will ever
// assign, irrespective of a looser configured minimum.
const minDifficultyFloor = 1000

// Config holds the tunables for the retargeting algorithm.
type Config struct {
	TargetShareTime  time.Duration
	RetargetInterval time.Duration
	Variance         float64
	MinDifficulty    int64
	MaxDifficulty    int64
}

// clamp bounds a difficulty to [MinDifficulty, MaxDifficulty], and then to
// the absolute floor.
func (c Config) clamp(d int64) int64 {
	if d < c.MinDifficulty {
		d = c.MinDifficulty
	}
	if d > c.MaxDifficulty {
		d = c.MaxDifficulty
	}
	if d < minDifficultyFloor {
		d = minDifficultyFloor
	}
	return d
}

// WorkerState is the subset of worker state the controller needs. Callers
// pass in a snapshot; the controller never mutates shared state directly.
type WorkerState struct {
	CurrentDifficulty     int64
	LastShareTime         time.Time
	RecentShareTimestamps []time.Time // bounded window, oldest first
}

// ShouldAdjust reports whether now is far enough past the worker's last
// share, with enough share history, to justify a retarget decision.
func (c Config) ShouldAdjust(w WorkerState, now time.Time) bool {
	if now.Sub(w.LastShareTime) < c.RetargetInterval {
		return false
	}
	return len(w.RecentShareTimestamps) >= 3
}

// NewDifficulty computes the retargeted difficulty for a worker whose
// ShouldAdjust is true. It does not check ShouldAdjust itself: with fewer
// than two timestamps in the window it returns the clamped current
// difficulty, and otherwise it computes a retarget whatever the interval,
// so callers gate on ShouldAdjust to avoid needless set_difficulty churn.
func (c Config) NewDifficulty(w WorkerState) int64 {
	window := w.RecentShareTimestamps
	if len(window) < 2 {
		return c.clamp(w.CurrentDifficulty)
	}

	span := window[len(window)-1].Sub(window[0])
	avg := span / time.Duration(len(window)-1)

	target := c.TargetShareTime
	if target <= 0 {
		return c.clamp(w.CurrentDifficulty)
	}
	ratio := avg.Seconds() / target.Seconds()

	current := w.CurrentDifficulty
	var next int64
	switch {
	case ratio < 1-c.Variance:
		next = int64(float64(current) * 1.5)
	case ratio > 1+c.Variance:
		next = int64(float64(current) * 0.75)
	default:
		next = current
	}
	return c.clamp(next)
}
