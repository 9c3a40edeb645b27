package events

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFillsDefaults(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	ev := &Event{Type: EventMemberJoined, Message: "n1 joined"}
	b.Publish(ev)

	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, SeverityInfo, ev.Severity)
	assert.False(t, ev.Alert())
}

func TestSubscribeReceivesEvents(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()

	b.Publish(&Event{Type: EventHandoffTimeout, Severity: SeverityCritical})

	select {
	case ev := <-sub:
		assert.Equal(t, EventHandoffTimeout, ev.Type)
		assert.True(t, ev.Alert())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open, "unsubscribing closes the channel once")
}

func TestPublishDoesNotBlockWithoutRunLoop(t *testing.T) {
	b := NewBroker()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventConfigPublished})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
}

func TestPublishWarnsWhenQueueFull(t *testing.T) {
	var buf bytes.Buffer
	b := NewBroker()
	b.logger = zerolog.New(&buf)

	for i := 0; i < cap(b.eventCh)+1; i++ {
		b.Publish(&Event{Type: EventMemberSynced})
	}

	assert.Contains(t, buf.String(), "Event queue full")
	assert.Contains(t, buf.String(), string(EventMemberSynced))
	assert.Len(t, b.Recent(0), DefaultHistory)
}

func TestRecentKeepsBoundedHistory(t *testing.T) {
	b := NewBroker()
	b.limit = 3

	for i := 0; i < 5; i++ {
		b.Publish(&Event{Type: EventSecretRotated, Message: fmt.Sprintf("gen %d", i)})
	}

	recent := b.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "gen 2", recent[0].Message)
	assert.Equal(t, "gen 4", recent[2].Message)

	last := b.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "gen 4", last[0].Message)
}
