package ratelimit

import "gatekeeper/internal/models"

// DefaultLoadThreshold is the load above which limits are halved.
const DefaultLoadThreshold = 0.8

// AdaptiveThrottle tightens policies while the system is under load.
type AdaptiveThrottle struct {
	Threshold float64
}

// NewAdaptiveThrottle returns a throttle; threshold <= 0 selects DefaultLoadThreshold.
func NewAdaptiveThrottle(threshold float64) *AdaptiveThrottle {
	if threshold <= 0 {
		threshold = DefaultLoadThreshold
	}
	return &AdaptiveThrottle{Threshold: threshold}
}

// Adjust returns policy with MaxRequests halved (minimum 1) when load exceeds
// the threshold, and policy unchanged otherwise.
func (a *AdaptiveThrottle) Adjust(policy models.RateLimitPolicy, load float64) models.RateLimitPolicy {
	if load <= a.Threshold {
		return policy
	}
	tightened := policy
	tightened.MaxRequests = max(policy.MaxRequests/2, 1)
	return tightened
}
