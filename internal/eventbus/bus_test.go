package eventbus

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/conductor/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func event(branch uuid.UUID, seq int64, name model.EventName) model.ProcessEvent {
	phase, status := name.Triple()
	return model.ProcessEvent{
		ID: uuid.New(), BranchID: branch, Sequence: seq, Message: string(name),
		Payload: model.EventPayload{Version: model.EventSchemaVersion, Event: name, Phase: phase, Status: status},
	}
}

func recv(t *testing.T, s *Subscription) model.ProcessEvent {
	t.Helper()
	select {
	case e := <-s.C:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return model.ProcessEvent{}
}

func TestBusFanOutByBranch(t *testing.T) {
	bus := New(testLogger())
	a, b := uuid.New(), uuid.New()
	s1 := bus.Subscribe(a)
	s2 := bus.Subscribe(a)
	other := bus.Subscribe(b)
	defer bus.Unsubscribe(other)

	bus.Publish(context.Background(), event(a, 1, model.EventRunStarted))

	assert.Equal(t, int64(1), recv(t, s1).Sequence)
	assert.Equal(t, int64(1), recv(t, s2).Sequence)
	select {
	case e := <-other.C:
		t.Fatalf("unexpected event for other branch: %+v", e)
	default:
	}

	bus.Unsubscribe(s1)
	bus.Publish(context.Background(), event(a, 2, model.EventRunCompleted))
	assert.Equal(t, int64(2), recv(t, s2).Sequence)

	_, open := <-s1.C
	assert.False(t, open, "unsubscribed channel is closed")
	bus.Unsubscribe(s2)
	assert.Equal(t, 0, bus.Subscribers(a))
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := New(testLogger())
	branch := uuid.New()
	s := bus.Subscribe(branch)
	defer bus.Unsubscribe(s)

	done := make(chan struct{})
	go func() {
		for i := range subscriberBuffer + 10 {
			bus.Publish(context.Background(), event(branch, int64(i+1), model.EventRunLog))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, s.C, subscriberBuffer)
	assert.Equal(t, int64(1), recv(t, s).Sequence, "oldest events are kept")
}

func TestUnsubscribeTwice(t *testing.T) {
	bus := New(testLogger())
	s := bus.Subscribe(uuid.New())
	bus.Unsubscribe(s)
	assert.NotPanics(t, func() { bus.Unsubscribe(s) })
}

func TestFormatSSE(t *testing.T) {
	e := event(uuid.New(), 42, model.EventToolStarted)
	frame, err := FormatSSE(e)
	require.NoError(t, err)
	s := string(frame)
	assert.True(t, strings.HasPrefix(s, "id: 42\nevent: tool.started\ndata: {"))
	assert.True(t, strings.HasSuffix(s, "}\n\n"))
}
