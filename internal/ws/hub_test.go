package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	received [][]byte
	sendErr  error
	closed   bool
}

func (r *recordingSubscriber) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.received = append(r.received, payload)
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubBroadcastsToDeploymentSubscribers(t *testing.T) {
	hub := NewHub()
	subscribed := &recordingSubscriber{}
	other := &recordingSubscriber{}
	hub.Register("dep-1", subscribed)
	hub.Register("dep-2", other)

	hub.Broadcast("dep-1", []byte("line one"))
	waitFor(t, func() bool { return subscribed.count() == 1 })

	if other.count() != 0 {
		t.Fatal("subscriber of another deployment received the payload")
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	failing := &recordingSubscriber{sendErr: errors.New("gone")}
	healthy := &recordingSubscriber{}
	hub.Register("dep-1", failing)
	hub.Register("dep-1", healthy)

	hub.Broadcast("dep-1", []byte("first"))
	waitFor(t, func() bool { return healthy.count() == 1 })

	hub.Broadcast("dep-1", []byte("second"))
	waitFor(t, func() bool { return healthy.count() == 2 })

	failing.mu.Lock()
	closed := failing.closed
	failing.mu.Unlock()
	if !closed {
		t.Fatal("failing subscriber was not closed")
	}
}

func TestHubUnregister(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}
	hub.Register("dep-1", sub)
	hub.Unregister("dep-1", sub)

	hub.Broadcast("dep-1", []byte("after unregister"))
	// Give the hub loop a moment; the payload must not arrive.
	time.Sleep(20 * time.Millisecond)
	if sub.count() != 0 {
		t.Fatal("unregistered subscriber received a payload")
	}
}
