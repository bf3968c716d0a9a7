package distribution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detection-engine/internal/model"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestMemory_BroadcastsToAllSubscribers(t *testing.T) {
	m := NewMemory(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := m.Subscribe(ctx, "patterns")
	require.NoError(t, err)
	b, err := m.Subscribe(ctx, "patterns", "indicators")
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "patterns", []byte("p1")))
	require.NoError(t, m.Publish(ctx, "indicators", []byte("i1")))

	assert.Equal(t, Message{Topic: "patterns", Payload: []byte("p1")}, recv(t, a))
	assert.Equal(t, "p1", string(recv(t, b).Payload))
	assert.Equal(t, "i1", string(recv(t, b).Payload))

	select {
	case msg := <-a:
		t.Fatalf("subscriber a got unexpected %q", msg.Topic)
	default:
	}
}

func TestMemory_SlowSubscriberMissesMessages(t *testing.T) {
	m := NewMemory(1)
	var dropped int
	m.OnDrop = func(string) { dropped++ }

	ch, err := m.Subscribe(context.Background(), "t")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Publish(context.Background(), "t", []byte{byte(i)}))
	}
	assert.Equal(t, 2, dropped)
	assert.Equal(t, []byte{0}, recv(t, ch).Payload)
}

func TestMemory_CancelClosesSubscription(t *testing.T) {
	m := NewMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.Subscribe(ctx, "t")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.NoError(t, m.Publish(context.Background(), "t", []byte("x")))
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory(4)
	ch, err := m.Subscribe(context.Background(), "t")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, ok := <-ch
	assert.False(t, ok)

	assert.ErrorIs(t, m.Publish(context.Background(), "t", nil), ErrClosed)
	_, err = m.Subscribe(context.Background(), "t")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, m.Close())
}

func TestMemory_RoundTripBatch(t *testing.T) {
	m := NewMemory(4)
	ch, err := m.Subscribe(context.Background(), "patterns")
	require.NoError(t, err)

	results := sampleResults()
	batch := model.NewPatternBatch(1, results)
	payload, err := Encode(batch)
	require.NoError(t, err)
	require.NoError(t, m.Publish(context.Background(), "patterns", payload))

	env, err := Decode(recv(t, ch).Payload)
	require.NoError(t, err)
	require.Len(t, env.Patterns, len(results))
	for i, ev := range env.Patterns {
		want := batch.Events[i]
		assert.Equal(t, want.EventID, ev.EventID)
		assert.Equal(t, want.Symbol, ev.Symbol)
		assert.Equal(t, want.PatternType, ev.PatternType)
		assert.Equal(t, want.Confidence, ev.Confidence)
		assert.True(t, want.Timestamp.Equal(ev.Timestamp))
		assert.Equal(t, want.Timeframe, ev.Timeframe)
		assert.True(t, want.BarSnapshot.Close.Equal(ev.BarSnapshot.Close))
		assert.Equal(t, want.BarSnapshot.Volume, ev.BarSnapshot.Volume)
	}
	select {
	case <-ch:
		t.Fatal("duplicate delivery")
	default:
	}
}
