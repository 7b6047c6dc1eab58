package broker

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/campuspulse/pulse/config"
	"github.com/campuspulse/pulse/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBroker(t *testing.T, maxConnections int) *Broker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(config.Sessions{
		EventChannelSize: 64,
		SendBufferSize:   8,
		MaxConnections:   maxConnections,
	}, logger)
}

func mustMessage(t *testing.T, topic string, mt models.MessageType) models.Message {
	t.Helper()
	msg, err := models.NewMessage(topic, mt, map[string]string{"k": "v"})
	require.NoError(t, err)
	return msg
}

// drain reads everything currently queued on a local session.
func drain(s *Session) []models.Message {
	var out []models.Message
	for {
		select {
		case raw, ok := <-s.Recv():
			if !ok {
				return out
			}
			var msg models.Message
			if err := json.Unmarshal(raw, &msg); err == nil {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := testBroker(t, 10)
	s, err := b.AttachLocal("u1")
	require.NoError(t, err)

	b.Subscribe(s, "event:42")
	b.Publish(mustMessage(t, "event:42", models.MessageEventUpdated))

	msgs := drain(s)
	require.Len(t, msgs, 1)
	assert.Equal(t, "event:42", msgs[0].Topic)
	assert.Equal(t, models.MessageEventUpdated, msgs[0].Type)
}

func TestEnqueueDeliversThroughPump(t *testing.T) {
	b := testBroker(t, 10)
	s, err := b.AttachLocal("u1")
	require.NoError(t, err)
	b.Subscribe(s, "event:42")

	b.Intake().Publish(mustMessage(t, "event:42", models.MessageEventCapacityChange))

	select {
	case raw := <-s.Recv():
		var msg models.Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, "event:42", msg.Topic)
		assert.Equal(t, models.MessageEventCapacityChange, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("queued message never fanned out")
	}
}

func TestEnqueueAfterShutdownIsSafe(t *testing.T) {
	b := testBroker(t, 10)
	b.Shutdown()
	b.Enqueue(mustMessage(t, "event:42", models.MessageEventUpdated))
}

func TestFanoutIsolation(t *testing.T) {
	b := testBroker(t, 10)
	s, err := b.AttachLocal("u1")
	require.NoError(t, err)

	b.Subscribe(s, "event:42")

	// Neither a different event nor the same id under another kind may leak.
	b.Publish(mustMessage(t, "event:43", models.MessageEventUpdated))
	b.Publish(mustMessage(t, "org:42", models.MessageOrgUpdated))

	assert.Empty(t, drain(s))
}

func TestSubscribeIsIdempotent(t *testing.T) {
	b := testBroker(t, 10)
	s, err := b.AttachLocal("u1")
	require.NoError(t, err)

	b.Subscribe(s, "event:42")
	b.Subscribe(s, "event:42")
	assert.Equal(t, 1, b.TopicSubscribers("event:42"))

	b.Publish(mustMessage(t, "event:42", models.MessageEventUpdated))
	assert.Len(t, drain(s), 1, "double subscribe must not double deliver")
}

func TestSubscribeRejectsMalformedTopic(t *testing.T) {
	b := testBroker(t, 10)
	s, err := b.AttachLocal("u1")
	require.NoError(t, err)

	b.Subscribe(s, "not-a-topic")
	b.Subscribe(s, "event:")
	assert.Equal(t, 0, b.TopicSubscribers("not-a-topic"))
	assert.Equal(t, 0, b.TopicSubscribers("event:"))
}

func TestLastUnsubscribeRemovesTopic(t *testing.T) {
	b := testBroker(t, 10)
	s1, err := b.AttachLocal("u1")
	require.NoError(t, err)
	s2, err := b.AttachLocal("u2")
	require.NoError(t, err)

	b.Subscribe(s1, "event:7")
	b.Subscribe(s2, "event:7")
	b.Unsubscribe(s1, "event:7")
	assert.Equal(t, 1, b.TopicSubscribers("event:7"))

	b.Unsubscribe(s2, "event:7")
	b.mu.RLock()
	_, exists := b.subscribers["event:7"]
	b.mu.RUnlock()
	assert.False(t, exists, "empty topic must be removed from the registry")

	// Unsubscribing again is a harmless no-op.
	b.Unsubscribe(s2, "event:7")
}

func TestDisconnectRemovesFromAllTopics(t *testing.T) {
	b := testBroker(t, 10)
	s, err := b.AttachLocal("u1")
	require.NoError(t, err)

	b.Subscribe(s, "event:7")
	b.Subscribe(s, "user:3")
	b.Disconnect(s)

	assert.Equal(t, 0, b.TopicSubscribers("event:7"))
	assert.Equal(t, 0, b.TopicSubscribers("user:3"))
	assert.Equal(t, 0, b.ActiveSessions())

	// Publishing after disconnect must not deliver (channel is closed).
	b.Publish(mustMessage(t, "event:7", models.MessageEventUpdated))
	_, ok := <-s.Recv()
	assert.False(t, ok)

	// Disconnect is idempotent.
	b.Disconnect(s)
}

func TestSubscribeAfterDisconnectIsIgnored(t *testing.T) {
	b := testBroker(t, 10)
	s, err := b.AttachLocal("u1")
	require.NoError(t, err)

	b.Disconnect(s)
	b.Subscribe(s, "event:7")
	assert.Equal(t, 0, b.TopicSubscribers("event:7"))
}

func TestConnectionCeiling(t *testing.T) {
	b := testBroker(t, 2)
	_, err := b.AttachLocal("u1")
	require.NoError(t, err)
	_, err = b.AttachLocal("u2")
	require.NoError(t, err)

	_, err = b.AttachLocal("u3")
	require.ErrorIs(t, err, ErrTooManyConnections)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := testBroker(t, 10)
	slow, err := b.AttachLocal("slow")
	require.NoError(t, err)
	fast, err := b.AttachLocal("fast")
	require.NoError(t, err)

	b.Subscribe(slow, "event:1")
	b.Subscribe(fast, "event:1")

	// Overrun the slow session's buffer; fast must still get everything
	// its own buffer can hold.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			b.Publish(mustMessage(t, "event:1", models.MessageEventCapacityChange))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.NotEmpty(t, drain(fast))
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	b := testBroker(t, 10)
	s, err := b.AttachLocal("u1")
	require.NoError(t, err)
	b.Subscribe(s, "event:1")

	b.Shutdown()
	assert.Equal(t, 0, b.ActiveSessions())

	_, err = b.AttachLocal("u2")
	require.ErrorIs(t, err, ErrBrokerClosed)
}
