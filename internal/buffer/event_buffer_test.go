package buffer

import (
	"sync"
	"testing"
	"time"

	v1 "taskorch/pkg/api/v1"
	"taskorch/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitLogger("test")
}

func seqs(msgs []v1.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Seq)
	}
	return out
}

func TestEventBuffer_Lifecycle(t *testing.T) {
	buf := NewEventBuffer(3)

	msgs, ok := buf.Since(0)
	assert.True(t, ok)
	assert.Empty(t, msgs)

	buf.Add(v1.Message{Seq: 1})
	buf.Add(v1.Message{Seq: 2})
	buf.Add(v1.Message{Seq: 3})

	// nothing evicted yet, so a client that saw nothing gets everything
	msgs, ok = buf.Since(0)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 3}, seqs(msgs))

	// wrap around: [2, 3, 4]
	buf.Add(v1.Message{Seq: 4})

	_, ok = buf.Since(0)
	assert.False(t, ok, "seq 1 was evicted, client must resync")

	msgs, ok = buf.Since(1)
	require.True(t, ok)
	assert.Equal(t, []int64{2, 3, 4}, seqs(msgs))

	msgs, ok = buf.Since(2)
	require.True(t, ok)
	assert.Equal(t, []int64{3, 4}, seqs(msgs))

	msgs, ok = buf.Since(4)
	assert.True(t, ok)
	assert.Empty(t, msgs)
	assert.Equal(t, 3, buf.Len())

	_, ok = buf.Since(99)
	assert.False(t, ok, "seq ahead of the buffer means the hub restarted")
}

func TestEventBuffer_Concurrency(t *testing.T) {
	buf := NewEventBuffer(1000)
	count := 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= count; i++ {
			buf.Add(v1.Message{Seq: int64(i)})
			if i%100 == 0 {
				time.Sleep(time.Microsecond)
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				msgs, ok := buf.Since(int64(count - 500))
				if !ok {
					continue
				}
				for j := 1; j < len(msgs); j++ {
					if msgs[j].Seq <= msgs[j-1].Seq {
						t.Errorf("out of order: %d after %d", msgs[j].Seq, msgs[j-1].Seq)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	msgs, ok := buf.Since(int64(count - 10))
	require.True(t, ok)
	assert.Len(t, msgs, 10)
}
