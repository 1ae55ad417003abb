package ws

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/martocorp/deployment-queue-api/internal/domain"
)

type chanSubscriber struct {
	received chan []byte
	fail     bool
	closed   chan struct{}
}

func newChanSubscriber() *chanSubscriber {
	return &chanSubscriber{received: make(chan []byte, 8), closed: make(chan struct{})}
}

func (s *chanSubscriber) Send(payload []byte) error {
	if s.fail {
		return errors.New("send failed")
	}
	s.received <- payload
	return nil
}

func (s *chanSubscriber) Close() {
	close(s.closed)
}

func TestHubScopesEventsToOrganisation(t *testing.T) {
	hub := NewHub()

	acme := newChanSubscriber()
	globex := newChanSubscriber()
	hub.Register("acme", acme)
	hub.Register("globex", globex)

	hub.Publish(EventCreated, &domain.Deployment{ID: "d1", Organisation: "acme", Name: "api"})

	select {
	case payload := <-acme.received:
		var evt Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Type != EventCreated || evt.Deployment.ID != "d1" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("acme subscriber never received the event")
	}

	select {
	case <-globex.received:
		t.Fatal("event leaked across organisations")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()

	failing := newChanSubscriber()
	failing.fail = true
	hub.Register("acme", failing)

	hub.Broadcast("acme", []byte(`{}`))

	select {
	case <-failing.closed:
	case <-time.After(time.Second):
		t.Fatal("failing subscriber was not closed")
	}
}
