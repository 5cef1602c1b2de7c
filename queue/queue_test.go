package queue_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workglow-dev/flowcore/queue"
)

func TestClassifyPermanent(t *testing.T) {
	permanent, aborted, runAfter := queue.Classify(&queue.PermanentError{Err: errors.New("bad input")})
	assert.True(t, permanent)
	assert.False(t, aborted)
	assert.Nil(t, runAfter)
}

func TestClassifyAborted(t *testing.T) {
	permanent, aborted, runAfter := queue.Classify(&queue.AbortedError{Err: errors.New("cancelled")})
	assert.False(t, permanent)
	assert.True(t, aborted)
	assert.Nil(t, runAfter)
}

func TestClassifyRetryableWithRunAfter(t *testing.T) {
	at := time.Now().Add(time.Minute)
	permanent, aborted, runAfter := queue.Classify(&queue.RetryableError{Err: errors.New("rate limited"), RunAfter: &at})
	assert.False(t, permanent)
	assert.False(t, aborted)
	require.NotNil(t, runAfter)
	assert.Equal(t, at, *runAfter)
}

func TestClassifyUnclassifiedDefaultsToRetryable(t *testing.T) {
	permanent, aborted, runAfter := queue.Classify(errors.New("network blip"))
	assert.False(t, permanent)
	assert.False(t, aborted)
	assert.Nil(t, runAfter)
}

func TestFixedBackoff(t *testing.T) {
	b := queue.FixedBackoff{Delay: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, b.NextDelay(1))
	assert.Equal(t, 50*time.Millisecond, b.NextDelay(5))
}

func TestLinearBackoff(t *testing.T) {
	b := queue.LinearBackoff{Base: time.Second, Increment: time.Second, Max: 3 * time.Second}
	assert.Equal(t, time.Second, b.NextDelay(1))
	assert.Equal(t, 2*time.Second, b.NextDelay(2))
	assert.Equal(t, 3*time.Second, b.NextDelay(3))
	assert.Equal(t, 3*time.Second, b.NextDelay(10)) // capped
}

func TestExponentialBackoff(t *testing.T) {
	b := queue.ExponentialBackoff{Base: 100 * time.Millisecond, Factor: 2.0, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, b.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, b.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, b.NextDelay(3))
	assert.Equal(t, time.Second, b.NextDelay(10)) // capped
}
