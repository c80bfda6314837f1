package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := b.Delay("evt-1", attempt)
		base := time.Second << (attempt - 1)
		assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
		assert.Less(t, d, base+base/2, "attempt %d", attempt)
		assert.Greater(t, d, prev)
		prev = d
	}

	assert.Equal(t, time.Minute, b.Delay("evt-1", 30))
	assert.Equal(t, b.Delay("evt-1", 0), b.Delay("evt-1", 1))
}

func TestBackoff_DeterministicPerKey(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Hour}

	assert.Equal(t, b.Delay("evt-1", 3), b.Delay("evt-1", 3))

	distinct := map[time.Duration]bool{}
	for _, key := range []string{"a", "b", "c", "d", "e", "f"} {
		distinct[b.Delay(key, 3)] = true
	}
	assert.Greater(t, len(distinct), 1)
}

func TestBackoff_Defaults(t *testing.T) {
	d := Backoff{}.Delay("k", 1)
	assert.Equal(t, time.Second, d)
}
