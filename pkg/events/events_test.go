package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	first := b.Subscribe()
	second := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(New(EventStateChanged, "pdp-1", "unlocked,enabled,null,null").With("action", "demote"))

	for _, sub := range []Subscriber{first, second} {
		ev := receive(t, sub)
		assert.Equal(t, EventStateChanged, ev.Type)
		assert.Equal(t, "pdp-1", ev.Resource)
		assert.Equal(t, "demote", ev.Metadata["action"])
		assert.NotEmpty(t, ev.ID)
	}
}

func TestBroker_PublishFillsDefaults(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()
	sub := b.Subscribe()

	b.Publish(&Event{Type: EventAuditDisabled, Resource: "pap-2"})

	ev := receive(t, sub)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(New(EventHealthReportWell, "pdp-1", ""))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked without a running broker")
	}
	assert.Equal(t, uint64(400), b.Dropped())
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	require.False(t, ok, "channel must be closed")
}

func TestBroker_NilSafe(t *testing.T) {
	var b *Broker
	assert.NotPanics(t, func() { b.Publish(New(EventMonitorStarted, "pdp-1", "")) })
}

func TestBroker_StopTwice(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	assert.NotPanics(t, b.Stop)
}
