package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisEventBusRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewRedisEventBus(client, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 4)
	require.NoError(t, bus.Subscribe(ctx, func(ev Event) { received <- ev }))

	id := uuid.New()
	score := 72.5
	require.NoError(t, bus.Publish(context.Background(), Event{
		TaskID: id, Status: TaskStatusCompleted, Progress: 25, Total: 25, Score: &score, Timestamp: time.Now(),
	}))

	select {
	case ev := <-received:
		assert.Equal(t, id, ev.TaskID)
		assert.Equal(t, TaskStatusCompleted, ev.Status)
		require.NotNil(t, ev.Score)
		assert.Equal(t, 72.5, *ev.Score)
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRedisEventBusCarriesManagerEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewRedisEventBus(client, "test:events")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 64)
	require.NoError(t, bus.Subscribe(ctx, func(ev Event) { received <- ev }))

	m := NewTaskManager(linearRunner(), nil, nil, nil, testManagerConfig())
	m.SetEventBus(bus)
	task, err := m.Submit(context.Background(), SubmitRequest{Strategy: "rsi_reversal"})
	require.NoError(t, err)
	waitDone(t, m, task.ID)

	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-received:
			if ev.Status == TaskStatusCompleted {
				assert.Equal(t, task.ID, ev.TaskID)
				return
			}
		case <-timeout:
			t.Fatal("terminal event not delivered")
		}
	}
}

func TestHubDropsSlowSubscriberButDeliversTerminal(t *testing.T) {
	h := newHub()
	id := uuid.New()
	ch, unsubscribe := h.subscribe(id)
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.publish(Event{TaskID: id, Status: TaskStatusRunning, Progress: i})
	}
	h.publish(Event{TaskID: id, Status: TaskStatusCompleted})

	var last Event
	n := 0
	for ev := range ch {
		last = ev
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
	assert.Equal(t, TaskStatusCompleted, last.Status)
	assert.Equal(t, 0, h.count())
}
