package messaging_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/domain/core"
	"engram/infrastructure/messaging"
)

func busClients(t *testing.T) (*redis.Client, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func storedCell(t *testing.T, text string, memType core.MemoryType, agentID string) *core.MemoryCell {
	t.Helper()
	cell, err := core.NewCell(text, agentID)
	require.NoError(t, err)
	cell.Type = memType
	return cell
}

func waitFor(t *testing.T, ch <-chan *core.BroadcastMessage) *core.BroadcastMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return nil
	}
}

func TestFanout_PublicReachesSubscriber(t *testing.T) {
	pub, sub := busClients(t)
	ctx := context.Background()

	received := make(chan *core.BroadcastMessage, 4)
	subscriber := messaging.NewSubscriber(sub, "agent-b", nil)
	subscriber.On(core.EventNewMemory, func(channel string, msg *core.BroadcastMessage) {
		if channel == core.ChannelPublic {
			received <- msg
		}
	})
	require.NoError(t, subscriber.Start(ctx))
	defer subscriber.Stop()

	b := messaging.NewBroadcaster(pub, nil, nil)
	cell := storedCell(t, "API key rotated on 2026-02-23 for the gateway", core.TypeSemantic, "agent-a")
	b.Fanout(ctx, cell)

	msg := waitFor(t, received)
	assert.Equal(t, cell.ID, msg.MemoryID)
	assert.Equal(t, "agent-a", msg.AgentID)
	assert.True(t, len(msg.Preview) <= 80)
	assert.Contains(t, msg.Preview, "API key rotated")
}

func TestFanout_CoreAlsoHitsCriticalAndInvalidate(t *testing.T) {
	pub, sub := busClients(t)
	ctx := context.Background()

	critical := make(chan *core.BroadcastMessage, 1)
	invalidate := make(chan *core.BroadcastMessage, 1)
	subscriber := messaging.NewSubscriber(sub, "agent-b", nil)
	subscriber.On(core.EventCritical, func(channel string, msg *core.BroadcastMessage) {
		critical <- msg
	})
	subscriber.On(core.EventInvalidate, func(channel string, msg *core.BroadcastMessage) {
		invalidate <- msg
	})
	require.NoError(t, subscriber.Start(ctx))
	defer subscriber.Stop()

	b := messaging.NewBroadcaster(pub, nil, nil)
	b.Fanout(ctx, storedCell(t, "always call the user by name", core.TypeCore, "agent-a"))

	assert.Equal(t, core.EventCritical, waitFor(t, critical).Event)
	assert.Equal(t, core.EventInvalidate, waitFor(t, invalidate).Event)
}

func TestSubscriber_DropsMalformedAndOwnMessages(t *testing.T) {
	pub, sub := busClients(t)
	ctx := context.Background()

	received := make(chan *core.BroadcastMessage, 4)
	subscriber := messaging.NewSubscriber(sub, "agent-a", nil)
	subscriber.On(core.EventNewMemory, func(channel string, msg *core.BroadcastMessage) {
		received <- msg
	})
	require.NoError(t, subscriber.Start(ctx))
	defer subscriber.Stop()

	// Malformed JSON is silently dropped.
	require.NoError(t, pub.Publish(ctx, core.ChannelPublic, "{not json").Err())
	// The agent's own message is skipped.
	b := messaging.NewBroadcaster(pub, nil, nil)
	b.Fanout(ctx, storedCell(t, "my own note", core.TypeSemantic, "agent-a"))
	// A foreign message still arrives.
	b.Fanout(ctx, storedCell(t, "a foreign note", core.TypeSemantic, "agent-z"))

	msg := waitFor(t, received)
	assert.Equal(t, "agent-z", msg.AgentID)
	select {
	case extra := <-received:
		t.Fatalf("unexpected extra message from %s", extra.AgentID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_NilRedisIsNoop(t *testing.T) {
	b := messaging.NewBroadcaster(nil, nil, nil)
	cell := storedCell(t, "note", core.TypeSemantic, "agent-a")

	assert.NoError(t, b.Publish(context.Background(), core.ChannelPublic, core.NewBroadcast(cell, core.EventNewMemory)))
	assert.NotPanics(t, func() { b.Fanout(context.Background(), cell) })
}

func TestPublishStatus_WireShape(t *testing.T) {
	pub, sub := busClients(t)
	ctx := context.Background()

	ps := sub.Subscribe(ctx, core.ChannelAgentStatus)
	_, err := ps.Receive(ctx)
	require.NoError(t, err)
	defer ps.Close()

	b := messaging.NewBroadcaster(pub, nil, nil)
	require.NoError(t, b.PublishStatus(ctx, "agent-a", "online"))

	select {
	case m := <-ps.Channel():
		var got map[string]string
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &got))
		assert.Equal(t, "agent-a", got["agent_id"])
		assert.Equal(t, "online", got["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("no status message")
	}
}
