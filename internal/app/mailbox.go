package app

import "sync"

// mailbox is an unbounded FIFO. Push never blocks; the consumer waits on
// Ready and then takes everything queued so far with Drain.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{ready: make(chan struct{}, 1)}
}

// Push appends v and reports false if the mailbox was closed
func (m *mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	m.signal()
	return true
}

// Drain removes and returns all queued items
func (m *mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.items
	m.items = nil
	return items
}

// Ready is signalled after a Push or Close
func (m *mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Close rejects further pushes; queued items can still be drained
func (m *mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// Closed reports whether Close was called and nothing is left to drain
func (m *mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed && len(m.items) == 0
}

func (m *mailbox[T]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
