package service

import (
	"hash/fnv"
	"strconv"
	"time"
)

// Backoff computes exponential retry delays with deterministic jitter, so a
// given key and attempt always wait the same amount.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(key string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base, max := b.Base, b.Max
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitterMax := d / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	h := fnv.New64a()
	h.Write([]byte(key + ":" + strconv.Itoa(attempt)))
	delay := d + time.Duration(h.Sum64()%uint64(jitterMax))
	if delay > max {
		delay = max
	}
	return delay
}
