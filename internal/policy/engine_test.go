package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/types"
)

func TestEngine_Decide(t *testing.T) {
	e := New(false)

	tests := []struct {
		policy types.CachePolicy
		online bool
		want   Decision
	}{
		{types.PolicyCacheOnly, true, Decision{UseCacheOnly: true, FallbackToCache: true}},
		{types.PolicyCacheOnly, false, Decision{UseCacheOnly: true, FallbackToCache: true}},
		{types.PolicyNetworkFirst, true, Decision{FallbackToCache: true}},
		{types.PolicyNetworkFirst, false, Decision{TryCache: true, FallbackToCache: true}},
		{types.PolicyNetworkOnly, true, Decision{}},
		{types.PolicyNetworkOnly, false, Decision{TryCache: true}},
		{types.PolicyCacheFirst, true, Decision{FallbackToCache: true}},
		{types.PolicyCacheFirst, false, Decision{FallbackToCache: true}},
	}
	for _, tt := range tests {
		got := e.Decide(tt.policy, tt.online, types.QualityGood)
		if got != tt.want {
			t.Errorf("Decide(%s, online=%v) = %+v, want %+v", tt.policy, tt.online, got, tt.want)
		}
	}
}

func TestEngine_Next(t *testing.T) {
	e := New(false)
	assert.Equal(t, PlanCacheOnly, e.Next(types.PolicyCacheOnly, true, types.QualityGood))
	assert.Equal(t, PlanCacheThenNetwork, e.Next(types.PolicyNetworkFirst, false, types.QualityOffline))
	assert.Equal(t, PlanCacheOrFail, e.Next(types.PolicyNetworkOnly, false, types.QualityOffline))
	assert.Equal(t, PlanNetwork, e.Next(types.PolicyCacheFirst, false, types.QualityOffline))
	assert.Equal(t, PlanNetwork, e.Next(types.PolicyNetworkOnly, true, types.QualityPoor))
	assert.Equal(t, "cache-or-fail", PlanCacheOrFail.String())
}

func TestEngine_StaleTime(t *testing.T) {
	base := 10 * time.Minute

	tests := []struct {
		name        string
		constrained bool
		online      bool
		quality     types.NetworkQuality
		want        time.Duration
	}{
		{"offline", true, false, types.QualityOffline, 30 * time.Minute},
		{"poor", true, true, types.QualityPoor, 20 * time.Minute},
		{"constrained", true, true, types.QualityGood, 15 * time.Minute},
		{"normal", false, true, types.QualityAcceptable, 10 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.constrained).StaleTime(base, tt.online, tt.quality)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("cache-only")
	require.NoError(t, err)
	assert.Equal(t, types.PolicyCacheOnly, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, types.PolicyNetworkFirst, p)

	_, err = ParsePolicy("stale-while-revalidate")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidPolicy))
}
