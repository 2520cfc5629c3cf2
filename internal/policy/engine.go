// Package policy decides, per fetch, whether to use the network, the cache, or both.
package policy

import (
	"time"

	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/types"
)

// Stale time multipliers, applied by the first matching condition.
const (
	OfflineStaleFactor     = 3.0
	PoorStaleFactor        = 2.0
	ConstrainedStaleFactor = 1.5
)

// Decision is the set of flags the orchestrator acts on.
type Decision struct {
	// UseCacheOnly: serve from cache or fail, never touch the network.
	UseCacheOnly bool
	// TryCache: consult the cache before (or instead of) the network.
	TryCache bool
	// FallbackToCache: serve cache when the network attempt fails.
	FallbackToCache bool
}

// Plan is the next step for one fetch attempt.
type Plan int

const (
	// PlanNetwork attempts the remote call.
	PlanNetwork Plan = iota
	// PlanCacheOnly serves cache or fails with no cached data.
	PlanCacheOnly
	// PlanCacheThenNetwork serves cache if present, else attempts the network anyway.
	PlanCacheThenNetwork
	// PlanCacheOrFail serves cache if present, else fails.
	PlanCacheOrFail
)

func (p Plan) String() string {
	switch p {
	case PlanCacheOnly:
		return "cache-only"
	case PlanCacheThenNetwork:
		return "cache-then-network"
	case PlanCacheOrFail:
		return "cache-or-fail"
	default:
		return "network"
	}
}

// Engine evaluates cache policies. The zero value is usable.
type Engine struct {
	// Constrained marks a resource-constrained runtime (mobile, battery saver).
	Constrained bool
}

// New creates an engine.
func New(constrained bool) *Engine {
	return &Engine{Constrained: constrained}
}

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (types.CachePolicy, error) {
	switch p := types.CachePolicy(s); p {
	case types.PolicyNetworkFirst, types.PolicyCacheFirst, types.PolicyCacheOnly, types.PolicyNetworkOnly:
		return p, nil
	case "":
		return types.PolicyNetworkFirst, nil
	}
	return "", errors.NewError(errors.ErrCodeInvalidPolicy, "unknown cache policy").
		WithComponent("policy").
		WithContext("policy", s)
}

// Decide derives the flags for policy under the given connectivity.
func (e *Engine) Decide(policy types.CachePolicy, isOnline bool, _ types.NetworkQuality) Decision {
	demandsNetwork := policy == types.PolicyNetworkFirst || policy == types.PolicyNetworkOnly
	return Decision{
		UseCacheOnly:    policy == types.PolicyCacheOnly,
		TryCache:        !isOnline && demandsNetwork,
		FallbackToCache: policy != types.PolicyNetworkOnly,
	}
}

// Next maps a decision to the step the orchestrator takes first.
func (e *Engine) Next(policy types.CachePolicy, isOnline bool, quality types.NetworkQuality) Plan {
	d := e.Decide(policy, isOnline, quality)
	switch {
	case d.UseCacheOnly:
		return PlanCacheOnly
	case d.TryCache && policy == types.PolicyNetworkFirst:
		return PlanCacheThenNetwork
	case d.TryCache:
		return PlanCacheOrFail
	default:
		return PlanNetwork
	}
}

// StaleTime scales base by connectivity: offline first, then poor quality,
// then constrained runtime.
func (e *Engine) StaleTime(base time.Duration, isOnline bool, quality types.NetworkQuality) time.Duration {
	factor := 1.0
	switch {
	case !isOnline || quality == types.QualityOffline:
		factor = OfflineStaleFactor
	case quality == types.QualityPoor:
		factor = PoorStaleFactor
	case e.Constrained:
		factor = ConstrainedStaleFactor
	}
	return time.Duration(float64(base) * factor)
}
