package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	base, max := 2*time.Second, 90*time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{5, 64 * time.Second},
		{6, 90 * time.Second}, // 128s capped
		{30, 90 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(base, max, tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestBackoffNormalizesBounds(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0, 0, 0), "zero base falls back to one second")
	assert.Equal(t, 4*time.Second, Backoff(0, 10*time.Second, 2))
	assert.Equal(t, 10*time.Second, Backoff(10*time.Second, time.Second, 5),
		"max below base clamps to base")
}
