package pool

import (
	"math"
	"time"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

// Weights tune the suitability score components.
type Weights struct {
	Load      float64
	Health    float64
	RT        float64
	RecentUse float64
}

// DefaultWeights mirror the configured defaults.
var DefaultWeights = Weights{Load: 0.4, Health: 0.3, RT: 0.2, RecentUse: 0.1}

// Score rates an account's suitability in [0, 100]. Higher is better. The
// same inputs always produce the same score.
func Score(a domain.Account, hs domain.HealthStatus, now time.Time, w Weights) float64 {
	score := 100.0

	loadPenalty := float64(a.CurrentLoad) * w.Load
	score -= math.Min(40, loadPenalty)

	if !hs.IsHealthy {
		score -= 30 * w.Health
	}
	if hs.ConsecutiveFailures > 0 {
		score -= math.Min(20, float64(hs.ConsecutiveFailures)*5)
	}

	rtPenalty := float64(hs.ResponseTime) / 100.0 * w.RT
	score -= math.Min(20, rtPenalty)

	if !a.LastUsedAt.IsZero() {
		ageMin := now.Sub(a.LastUsedAt).Minutes()
		if ageMin < 0 {
			ageMin = 0
		}
		recentPenalty := ageMin / 60.0 * w.RecentUse
		score -= math.Min(10, recentPenalty)
	}

	return math.Max(0, math.Min(100, score))
}

// PriorityBucket maps a score to a coarse priority tier (1 = best).
func PriorityBucket(score float64) int {
	switch {
	case score >= 80:
		return 1
	case score >= 60:
		return 2
	case score >= 40:
		return 3
	default:
		return 4
	}
}
