package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelayShapes(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second}

	p.Strategy = RetryFixed
	assert.Equal(t, time.Second, p.Delay(3))

	p.Strategy = RetryLinear
	assert.Equal(t, 3*time.Second, p.Delay(3))

	p.Strategy = RetryExponential
	assert.Equal(t, 4*time.Second, p.Delay(3))
}

func TestRetryPolicyDelayCapsExponentialGrowth(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, Strategy: RetryExponential, MaxDelay: 30 * time.Second}

	assert.Equal(t, 30*time.Second, p.Delay(6), "2^5=32s must clamp to the 30s cap")
	assert.Equal(t, 30*time.Second, p.Delay(1000), "a very high attempt count must never exceed MaxDelay")
}

func TestRetryPolicyDelayDefaultsCapWhenUnset(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, Strategy: RetryExponential}

	assert.Equal(t, defaultMaxRetryDelay, p.Delay(100), "an unset MaxDelay falls back to the package default cap")
}
