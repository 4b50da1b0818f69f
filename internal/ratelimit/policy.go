package ratelimit

import (
	"fmt"
	"gatekeeper/internal/models"
	"strings"
)

type prefixPolicy struct {
	prefix string
	policy models.RateLimitPolicy
}

// PolicyTable maps endpoints to limit policies. It is immutable after
// construction and safe for concurrent use.
type PolicyTable struct {
	defaultPolicy models.RateLimitPolicy
	exact         map[string]models.RateLimitPolicy
	prefixes      []prefixPolicy
}

// NewPolicyTable validates every policy and builds the lookup table.
// Endpoints are matched in registration order; a later duplicate prefix is
// ignored.
func NewPolicyTable(defaultPolicy models.RateLimitPolicy, endpoints []models.EndpointPolicy) (*PolicyTable, error) {
	if err := defaultPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}

	t := &PolicyTable{
		defaultPolicy: defaultPolicy,
		exact:         make(map[string]models.RateLimitPolicy, len(endpoints)),
		prefixes:      make([]prefixPolicy, 0, len(endpoints)),
	}
	for _, ep := range endpoints {
		if ep.Prefix == "" {
			return nil, fmt.Errorf("endpoint policy requires a prefix")
		}
		p := ep.Policy.Policy()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy for %q: %w", ep.Prefix, err)
		}
		if _, dup := t.exact[ep.Prefix]; dup {
			continue
		}
		t.exact[ep.Prefix] = p
		t.prefixes = append(t.prefixes, prefixPolicy{prefix: ep.Prefix, policy: p})
	}
	return t, nil
}

// Resolve returns the policy for endpoint: an exact match, else the longest
// registered prefix, else the default. The first registered of equally long
// prefixes wins.
func (t *PolicyTable) Resolve(endpoint string) models.RateLimitPolicy {
	if p, ok := t.exact[endpoint]; ok {
		return p
	}

	best := -1
	for i, pp := range t.prefixes {
		if !strings.HasPrefix(endpoint, pp.prefix) {
			continue
		}
		if best < 0 || len(pp.prefix) > len(t.prefixes[best].prefix) {
			best = i
		}
	}
	if best >= 0 {
		return t.prefixes[best].policy
	}
	return t.defaultPolicy
}

// Default returns the fallback policy.
func (t *PolicyTable) Default() models.RateLimitPolicy {
	return t.defaultPolicy
}
