package buffer

import (
	"sort"
	"sync"

	v1 "taskorch/pkg/api/v1"
)

// EventBuffer is a fixed-size ring of stream messages ordered by Seq.
type EventBuffer struct {
	mu       sync.RWMutex
	messages []v1.Message
	size     int
	head     int
	isFull   bool
}

func NewEventBuffer(size int) *EventBuffer {
	if size <= 0 {
		size = 1000
	}
	return &EventBuffer{
		messages: make([]v1.Message, size),
		size:     size,
	}
}

// Add appends msg. Callers must add messages in increasing Seq order.
func (b *EventBuffer) Add(msg v1.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages[b.head] = msg
	b.head = (b.head + 1) % b.size
	if b.head == 0 {
		b.isFull = true
	}
}

// Since returns every message with Seq > lastSeq. ok is false when messages
// after lastSeq may already have been evicted.
func (b *EventBuffer) Since(lastSeq int64) ([]v1.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.head
	start := 0
	if b.isFull {
		count = b.size
		start = b.head
	}
	if count == 0 {
		return nil, lastSeq == 0
	}

	oldest := b.messages[start].Seq
	newest := b.messages[(start+count-1)%b.size].Seq
	// a seq from the future means the hub restarted since the client last read
	if lastSeq < oldest-1 || lastSeq > newest {
		return nil, false
	}

	// logical index i lives at physical (start+i) % size
	idx := sort.Search(count, func(i int) bool {
		return b.messages[(start+i)%b.size].Seq > lastSeq
	})
	if idx == count {
		return nil, true
	}

	result := make([]v1.Message, 0, count-idx)
	for i := idx; i < count; i++ {
		result = append(result, b.messages[(start+i)%b.size])
	}
	return result, true
}

func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.isFull {
		return b.size
	}
	return b.head
}
