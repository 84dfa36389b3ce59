package laikaerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryString(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryCounted, "counted"},
		{CategoryTransient, "transient"},
		{CategoryPermanent, "permanent"},
		{CategoryFatal, "fatal"},
		{Category(99), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.category.String())
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"nil error", nil, CategoryCounted},
		{"config error", &ConfigError{Message: "bad"}, CategoryFatal},
		{"transient store error", &StoreError{Op: "commit", Err: errors.New("busy")}, CategoryTransient},
		{"permanent store error", &StoreError{Op: "commit", Err: errors.New("corrupt"), Permanent: true}, CategoryPermanent},
		{"target error", &TargetError{TargetID: "hook", Err: errors.New("503")}, CategoryTransient},
		{"match miss", &MatchMiss{Source: "s"}, CategoryCounted},
		{"bad key", &BadKey{EventType: "login"}, CategoryCounted},
		{"script error", &ScriptError{RuleID: "r1", Phase: "run", Err: errors.New("boom")}, CategoryCounted},
		{"template error", &TemplateError{RuleID: "r1", Err: errors.New("boom")}, CategoryCounted},
		{"wrapped store error", fmt.Errorf("processing: %w", &StoreError{Op: "load", Err: errors.New("busy")}), CategoryTransient},
		{"plain error", errors.New("unknown"), CategoryCounted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Categorize(tt.err))
		})
	}
}

func TestErrorKindsUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := []error{
		&IngestError{Source: "s", Err: cause},
		&ScriptError{RuleID: "r", Phase: "run", Err: cause},
		&TemplateError{RuleID: "r", Err: cause},
		&StoreError{Key: "k", Op: "load", Err: cause},
		&TargetError{TargetID: "t", Err: cause},
	}
	for _, err := range wrapped {
		assert.ErrorIs(t, err, cause, err.Error())
	}
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	res := WithRetry(DefaultRetry, func() (int, error) {
		calls++
		return 0, &BadKey{EventType: "login", Reason: "missing"}
	})
	require.Error(t, res.Err)
	assert.Equal(t, 1, calls, "counted errors are never retried")
	assert.Equal(t, 1, res.Attempts)
}

func TestWithRetryRetriesTransientUntilSuccess(t *testing.T) {
	cfg := DefaultRetry
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond

	calls := 0
	res := WithRetry(cfg, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &StoreError{Op: "commit", Err: errors.New("busy")}
		}
		return "ok", nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 3, res.Attempts)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}
	res := WithRetry(cfg, func() (struct{}, error) {
		return struct{}{}, &TargetError{TargetID: "hook", Err: errors.New("503")}
	})
	require.Error(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
	var te *TargetError
	assert.ErrorAs(t, res.Err, &te)
}

func TestWithRetryContextHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := WithRetryContext(ctx, DefaultRetry, func(context.Context) (int, error) {
		t.Fatal("attempt must not run after cancellation")
		return 0, nil
	})
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Zero(t, res.Attempts)
}

func TestNoRetryMakesSingleAttempt(t *testing.T) {
	calls := 0
	res := WithRetry(NoRetry, func() (int, error) {
		calls++
		return 0, &StoreError{Op: "load", Err: errors.New("busy")}
	})
	require.Error(t, res.Err)
	assert.Equal(t, 1, calls)
}
