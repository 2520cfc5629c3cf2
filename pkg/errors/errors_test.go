package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeNoCachedData, "no cached data for goals")
		if err.Code != ErrCodeNoCachedData {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeNoCachedData)
		}
		if err.Category != CategoryCache {
			t.Errorf("Category = %v, want %v", err.Category, CategoryCache)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details/Context maps not initialised")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("retryable defaults", func(t *testing.T) {
		assert.True(t, NewError(ErrCodeNetworkError, "x").Retryable)
		assert.True(t, NewError(ErrCodeConnectionTimeout, "x").Retryable)
		assert.False(t, NewError(ErrCodeNoCachedData, "x").Retryable)
		assert.False(t, NewError(ErrCodeMutationQueued, "x").Retryable)
	})

	t.Run("user-facing defaults", func(t *testing.T) {
		assert.True(t, NewError(ErrCodeMutationQueued, "x").UserFacing)
		assert.True(t, NewError(ErrCodeSyncItemDropped, "x").UserFacing)
		assert.False(t, NewError(ErrCodeInternalError, "x").UserFacing)
	})
}

func TestGetCategory(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeConfigValidation, CategoryConfiguration},
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeOffline, CategoryConnection},
		{ErrCodeCircuitOpen, CategoryConnection},
		{ErrCodeStorageWrite, CategoryStorage},
		{ErrCodeInvalidPolicy, CategoryCache},
		{ErrCodeSyncItemDropped, CategorySync},
		{ErrCodeShutdownInProgress, CategoryState},
		{ErrCodeRetryExhausted, CategoryOperation},
		{ErrCodeInternalError, CategoryInternal},
	}
	for _, tt := range tests {
		if got := GetCategory(tt.code); got != tt.want {
			t.Errorf("GetCategory(%s) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := Wrap(ErrCodeNetworkError, "fetch habits failed", cause).
		WithComponent("fetch").
		WithOperation("Fetch")

	assert.Equal(t, "[fetch:Fetch] NETWORK_ERROR: fetch habits failed: dial tcp: i/o timeout", err.Error())
	assert.Equal(t, "[cache] CACHE_NO_DATA: miss",
		NewError(ErrCodeNoCachedData, "miss").WithComponent("cache").Error())
	assert.Equal(t, "CACHE_NO_DATA: miss", NewError(ErrCodeNoCachedData, "miss").Error())

	s := err.WithDetail("attempts", 3).String()
	assert.True(t, strings.HasPrefix(s, "SyncError{"))
	assert.Contains(t, s, `"attempts":3`)
	assert.Contains(t, s, "Retryable=true")
}

func TestErrorsIsAndAs(t *testing.T) {
	cause := errors.New("root")
	err := fmt.Errorf("outer: %w", Wrap(ErrCodeStorageWrite, "persist", cause))

	assert.True(t, errors.Is(err, NewError(ErrCodeStorageWrite, "")))
	assert.False(t, errors.Is(err, NewError(ErrCodeStorageRead, "")))
	assert.True(t, errors.Is(err, cause))

	var se *SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, CategoryStorage, se.Category)
}

func TestHasCode(t *testing.T) {
	inner := NewError(ErrCodeCircuitOpen, "breaker open")
	outer := Wrap(ErrCodeRemoteApply, "apply batch", inner)

	assert.True(t, HasCode(outer, ErrCodeRemoteApply))
	assert.True(t, HasCode(outer, ErrCodeCircuitOpen))
	assert.False(t, HasCode(outer, ErrCodeOffline))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeOffline))
	assert.False(t, HasCode(nil, ErrCodeOffline))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.False(t, IsRetryable(NewError(ErrCodeInvalidPolicy, "bad")))

	e := NewError(ErrCodeInvalidPolicy, "bad")
	e.Retryable = true
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", e)))
}

func TestJSONShape(t *testing.T) {
	err := NewError(ErrCodeMutationQueued, "queued").
		WithContext("entity_id", "habit-1").
		WithCause(errors.New("hidden"))

	raw, mErr := json.Marshal(err)
	require.NoError(t, mErr)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "SYNC_MUTATION_QUEUED", decoded["code"])
	assert.Equal(t, "sync", decoded["category"])
	assert.NotContains(t, string(raw), "hidden")
}

func TestUserFacingMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *SyncError
		want string
	}{
		{"queued", NewError(ErrCodeMutationQueued, "x"),
			"Couldn't save right now. Your change will sync when you're back online"},
		{"dropped", NewError(ErrCodeSyncItemDropped, "x"), "Some changes could not be saved"},
		{"internal", NewError(ErrCodeInternalError, "x"), "Something went wrong. Please try again."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.UserFacingMessage())
		})
	}

	custom := NewError(ErrCodeConfigValidation, "sync.batch_size: must be no less than 1")
	assert.Equal(t, "sync.batch_size: must be no less than 1", custom.UserFacingMessage())
}
