package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trafficjam/simengine/internal/bus"
	"github.com/trafficjam/simengine/internal/event"

	"github.com/stretchr/testify/require"
)

type message struct {
	subject string
	data    string
}

type fakePublisher struct {
	mx        sync.Mutex
	connected bool
	err       error
	messages  []message
	deadline  bool
}

func (f *fakePublisher) Publish(ctx context.Context, subject string, data []byte) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, message{subject: subject, data: string(data)})
	return nil
}

func (f *fakePublisher) IsConnected() bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.connected
}

func TestSubject(t *testing.T) {
	t.Parallel()
	require.Equal(t, "sim.s1.r1.events", bus.Subject("sim", "s1", "r1", bus.KindEvents))
	require.Equal(t, "sim.s1.r1.status", bus.Subject("sim", "s1", "r1", bus.KindStatus))
	require.Equal(t, "traffic.a.b.status", bus.Subject("traffic", "a", "b", bus.KindStatus))
}

func TestSink(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{connected: true}
	sink := bus.NewSink(pub, "sim", time.Second)

	agent := "p1"
	sink.PublishStatus(t.Context(), "s1", "r1", "RUNNING")
	sink.Events("s1", "r1").HandleEvents(t.Context(), []event.Event{
		{Type: "departure", Time: 21600, AgentID: &agent},
		{Type: "h", Time: 3600},
	})
	sink.PublishStatus(t.Context(), "s1", "r1", "COMPLETED")

	require.Len(t, pub.messages, 4)
	require.Equal(t, "sim.s1.r1.status", pub.messages[0].subject)
	require.JSONEq(t, `{"status":"RUNNING"}`, pub.messages[0].data)
	require.Equal(t, "sim.s1.r1.events", pub.messages[1].subject)
	require.JSONEq(t, `{"type":"departure","time":21600,"agentId":"p1"}`, pub.messages[1].data)
	require.JSONEq(t, `{"type":"h","time":3600}`, pub.messages[2].data)
	require.JSONEq(t, `{"status":"COMPLETED"}`, pub.messages[3].data)
	require.True(t, pub.deadline)
	require.Equal(t, bus.Counts{Published: 4}, sink.Counts())
	require.True(t, sink.Connected())
}

func TestSink_DropsWhenDisconnected(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{connected: false}
	sink := bus.NewSink(pub, "sim", 0)

	sink.PublishEvent(t.Context(), "s1", "r1", event.Event{Type: "arrival", Time: 1})
	sink.PublishStatus(t.Context(), "s1", "r1", "FAILED")

	require.Empty(t, pub.messages)
	require.Equal(t, bus.Counts{Dropped: 2}, sink.Counts())
	require.False(t, sink.Connected())
}

func TestSink_DropsOnPublishError(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{connected: true, err: errors.New("nats: timeout")}
	sink := bus.NewSink(pub, "sim", 0)

	require.NotPanics(t, func() {
		sink.PublishStatus(t.Context(), "s1", "r1", "RUNNING")
	})
	require.False(t, pub.deadline)
	require.Equal(t, bus.Counts{Dropped: 1}, sink.Counts())
}
