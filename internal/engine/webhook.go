package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// WebhookCoordinator correlates outstanding webhook-commanded tasks with
// inbound completion signals. Each waiting task registers a completion
// channel under its callback URI; an inbound request resumes the oldest
// waiter. A delivery can race ahead of the worker registering its waiter
// (the task sits in the queue between enqueue and dequeue), so signals with
// no waiter are remembered per URI and consumed by the next Await.
type WebhookCoordinator struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
	pending map[string]int
}

func NewWebhookCoordinator() *WebhookCoordinator {
	return &WebhookCoordinator{
		waiters: make(map[string][]chan struct{}),
		pending: make(map[string]int),
	}
}

// Signal resumes the oldest waiter registered for the URI, or records the
// delivery for the next Await when nobody waits yet. Returns whether a task
// was completed by this delivery.
func (w *WebhookCoordinator) Signal(uri string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	queue := w.waiters[uri]
	if len(queue) == 0 {
		w.pending[uri]++
		return false
	}
	ch := queue[0]
	if len(queue) == 1 {
		delete(w.waiters, uri)
	} else {
		w.waiters[uri] = queue[1:]
	}
	close(ch)
	return true
}

// Await consumes a pending early delivery if one exists, otherwise blocks
// until the URI is signalled, the ceiling elapses, or the context is
// cancelled. The ceiling keeps a lost webhook from pinning a worker forever;
// expiry surfaces as a retryable failure.
func (w *WebhookCoordinator) Await(ctx context.Context, uri string, maxWait time.Duration) error {
	w.mu.Lock()
	if w.pending[uri] > 0 {
		w.pending[uri]--
		if w.pending[uri] == 0 {
			delete(w.pending, uri)
		}
		w.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	w.waiters[uri] = append(w.waiters[uri], ch)
	w.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		w.remove(uri, ch)
		return fmt.Errorf("webhook %s not delivered within %s", uri, maxWait)
	case <-ctx.Done():
		w.remove(uri, ch)
		return ctx.Err()
	}
}

func (w *WebhookCoordinator) remove(uri string, ch chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	queue := w.waiters[uri]
	for i, candidate := range queue {
		if candidate == ch {
			w.waiters[uri] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(w.waiters[uri]) == 0 {
		delete(w.waiters, uri)
	}
}

// Outstanding reports how many tasks currently wait on the URI.
func (w *WebhookCoordinator) Outstanding(uri string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters[uri])
}
