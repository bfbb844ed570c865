package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestErrorKindMatching(t *testing.T) {
	err := Errorf(KindNotFound, "instance %q not found", "p1")
	require.True(t, errors.Is(err, ErrNotFound))
	require.False(t, errors.Is(err, ErrConflict))
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestErrorKindSurvivesWrapping(t *testing.T) {
	inner := Errorf(KindConflict, "instance already completed")
	err := fmt.Errorf("complete task: %w", inner)
	require.True(t, errors.Is(err, ErrConflict))
	require.Equal(t, KindConflict, KindOf(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInternal, "apply outcome", cause)
	require.True(t, errors.Is(err, ErrInternal))
	require.ErrorIs(t, err, cause)
	require.Equal(t, "apply outcome: boom", err.Error())
}

func TestBPMNCarriesCode(t *testing.T) {
	err := BPMN("ERR_PAYMENT", "payment rejected")
	require.True(t, errors.Is(err, ErrBpmnError))
	require.Equal(t, "ERR_PAYMENT", CodeOf(err))
	require.Equal(t, "payment rejected", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	require.Equal(t, Kind(0), KindOf(errors.New("plain")))
	require.Empty(t, CodeOf(errors.New("plain")))
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, InitialInterval: 10 * time.Millisecond, BackoffCoefficient: 2}
	require.Equal(t, 10*time.Millisecond, p.Backoff(1))
	require.Equal(t, 20*time.Millisecond, p.Backoff(2))
	require.Equal(t, 40*time.Millisecond, p.Backoff(3))
	require.False(t, p.Exhausted(3))
	require.True(t, p.Exhausted(4))
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicy{}.Normalize()
	require.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	require.Equal(t, DefaultInitialInterval, p.InitialInterval)
	require.Equal(t, DefaultBackoffCoefficient, p.BackoffCoefficient)

	constant := RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 0.5}
	require.Equal(t, time.Second, constant.Backoff(3))
}
