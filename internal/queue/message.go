package queue

import (
	"container/heap"
	"time"

	"github.com/kursadbilgin/reminder-engine/internal/domain"
)

// Message wraps a payload accepted by a queue.
type Message struct {
	ID         string
	Queue      domain.QueueType
	Priority   domain.Priority
	Payload    any
	EnqueuedAt time.Time
	// Attempts counts processor runs that returned an error.
	Attempts int

	seq   uint64
	index int
}

// messageHeap orders by priority, then enqueue time, then arrival.
type messageHeap []*Message

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *messageHeap) Push(x any) {
	m := x.(*Message)
	m.index = len(*h)
	*h = append(*h, m)
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	m.index = -1
	*h = old[:n-1]
	return m
}

// buffer is a bounded priority buffer with removal by message id. Not
// safe for concurrent use; Queue guards it.
type buffer struct {
	items messageHeap
	byID  map[string]*Message
	seq   uint64
}

func newBuffer() *buffer {
	return &buffer{byID: make(map[string]*Message)}
}

func (b *buffer) len() int { return b.items.Len() }

func (b *buffer) push(m *Message) {
	b.seq++
	m.seq = b.seq
	heap.Push(&b.items, m)
	if m.ID != "" {
		b.byID[m.ID] = m
	}
}

func (b *buffer) pop() *Message {
	if b.items.Len() == 0 {
		return nil
	}
	m := heap.Pop(&b.items).(*Message)
	if m.ID != "" {
		delete(b.byID, m.ID)
	}
	return m
}

func (b *buffer) remove(id string) bool {
	m, ok := b.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&b.items, m.index)
	delete(b.byID, id)
	return true
}

func (b *buffer) contains(id string) bool {
	_, ok := b.byID[id]
	return ok
}
