package recording

import "sync"

// mailbox is the control goroutine's inbox. Post never blocks, so tasks and
// registry listeners may post from anywhere, including the control goroutine.
type mailbox struct {
	mu     sync.Mutex
	queue  []any
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (b *mailbox) Post(msg any) {
	b.mu.Lock()
	b.queue = append(b.queue, msg)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// drain takes every queued message in posting order.
func (b *mailbox) drain() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}
