package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWebhookSignalCompletesOldestWaiter(t *testing.T) {
	w := NewWebhookCoordinator()
	const uri = "/cb/1"

	first := make(chan error, 1)
	second := make(chan error, 1)
	go func() { first <- w.Await(context.Background(), uri, 5*time.Second) }()
	waitOutstanding(t, w, uri, 1)
	go func() { second <- w.Await(context.Background(), uri, 5*time.Second) }()
	waitOutstanding(t, w, uri, 2)

	if !w.Signal(uri) {
		t.Fatalf("first signal should find a waiter")
	}
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("first waiter: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("first waiter did not resume")
	}
	select {
	case err := <-second:
		t.Fatalf("second waiter resumed early: %v", err)
	default:
	}

	if !w.Signal(uri) {
		t.Fatalf("second signal should find the remaining waiter")
	}
	if err := <-second; err != nil {
		t.Fatalf("second waiter: %v", err)
	}
}

func TestWebhookEarlyDeliveryCompletesNextAwait(t *testing.T) {
	w := NewWebhookCoordinator()
	const uri = "/cb/early"

	// Delivery lands before the worker starts waiting.
	if w.Signal(uri) {
		t.Fatalf("signal with no waiter completes nothing yet")
	}
	if err := w.Await(context.Background(), uri, 20*time.Millisecond); err != nil {
		t.Fatalf("await must consume the early delivery: %v", err)
	}

	// The buffered delivery is consumed exactly once.
	if err := w.Await(context.Background(), uri, 20*time.Millisecond); err == nil {
		t.Fatalf("second await must not reuse the consumed delivery")
	}
}

func TestWebhookAwaitTimesOut(t *testing.T) {
	w := NewWebhookCoordinator()
	const uri = "/cb/slow"

	err := w.Await(context.Background(), uri, 20*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if w.Outstanding(uri) != 0 {
		t.Fatalf("timed-out waiter must be removed")
	}
	// A delivery after the timeout finds no waiter but satisfies the retry.
	if w.Signal(uri) {
		t.Fatalf("late signal completes nothing yet")
	}
	if err := w.Await(context.Background(), uri, 20*time.Millisecond); err != nil {
		t.Fatalf("retried await must consume the late delivery: %v", err)
	}
}

func TestWebhookAwaitHonoursContext(t *testing.T) {
	w := NewWebhookCoordinator()
	const uri = "/cb/cancelled"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Await(ctx, uri, time.Minute) }()
	waitOutstanding(t, w, uri, 1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancelled waiter did not resume")
	}
	if w.Outstanding(uri) != 0 {
		t.Fatalf("cancelled waiter must be removed")
	}
}

func waitOutstanding(t *testing.T, w *WebhookCoordinator, uri string, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for w.Outstanding(uri) != n {
		if time.Now().After(deadline) {
			t.Fatalf("never reached %d outstanding waiters on %s", n, uri)
		}
		time.Sleep(time.Millisecond)
	}
}
