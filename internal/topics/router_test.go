package topics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/parking-valet/internal/scheduler"
)

// fakeTransport records calls and lets tests inject inbound messages.
type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	onMessage  func(string, []byte)
	subscribed []string
	published  map[string][]byte
	connected  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{published: make(map[string][]byte)}
}

func (f *fakeTransport) Connect(ctx context.Context, onMessage func(string, []byte)) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = onMessage
	f.connected = true
	return nil
}

func (f *fakeTransport) Subscribe(pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, pattern)
	return nil
}

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = payload
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() {}

func (f *fakeTransport) deliver(topic string, payload string) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	fn(topic, []byte(payload))
}

func startScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(16, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s
}

func TestConnectSubscribesRegisteredPatterns(t *testing.T) {
	ft := newFakeTransport()
	r := NewRouter(ft, startScheduler(t), zerolog.Nop())
	require.NoError(t, r.Subscribe("jobs/bid/+/+", func(context.Context, Message) {}))
	assert.Empty(t, ft.subscribed)

	require.NoError(t, r.Connect(context.Background()))
	assert.Equal(t, []string{"jobs/bid/+/+"}, ft.subscribed)

	require.NoError(t, r.Subscribe("jobs/accept/+/+", func(context.Context, Message) {}))
	assert.Equal(t, []string{"jobs/bid/+/+", "jobs/accept/+/+"}, ft.subscribed)
}

func TestConnectFailureIsConnectionError(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = errors.New("refused")
	r := NewRouter(ft, startScheduler(t), zerolog.Nop())
	err := r.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
}

func TestSubscribeRejectsInvalidPattern(t *testing.T) {
	r := NewRouter(newFakeTransport(), startScheduler(t), zerolog.Nop())
	assert.Error(t, r.Subscribe("a/#/b", func(context.Context, Message) {}))
}

func TestDispatchFirstMatchingPatternWins(t *testing.T) {
	ft := newFakeTransport()
	r := NewRouter(ft, startScheduler(t), zerolog.Nop())

	got := make(chan string, 2)
	require.NoError(t, r.Subscribe("jobs/bid/+/+", func(_ context.Context, m Message) { got <- "bid:" + m.Segment(3) }))
	require.NoError(t, r.Subscribe("jobs/#", func(_ context.Context, m Message) { got <- "any:" + m.Topic }))
	require.NoError(t, r.Connect(context.Background()))

	ft.deliver("jobs/bid/REQ1/R5", `{"battery":90}`)
	ft.deliver("jobs/accept/REQ1/R5", `{"status":"ACKNOWLEDGED"}`)

	received := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case v := <-got:
			received[v] = true
		case <-time.After(time.Second):
			t.Fatal("handler not invoked")
		}
	}
	assert.True(t, received["bid:R5"])
	assert.True(t, received["any:jobs/accept/REQ1/R5"])
}

func TestDispatchDropsMalformedAndUnhandled(t *testing.T) {
	ft := newFakeTransport()
	r := NewRouter(ft, startScheduler(t), zerolog.Nop())
	called := make(chan struct{}, 1)
	require.NoError(t, r.Subscribe("jobs/bid/+/+", func(context.Context, Message) { called <- struct{}{} }))
	require.NoError(t, r.Connect(context.Background()))

	ft.deliver("jobs/bid/REQ1/R5", `{not json`)
	ft.deliver("other/topic", `{}`)

	select {
	case <-called:
		t.Fatal("handler called for malformed or unmatched message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchDoesNotBlockWhenQueueFull(t *testing.T) {
	ft := newFakeTransport()
	// scheduler never started: queue of one fills immediately
	s := scheduler.New(1, 1, zerolog.Nop())
	r := NewRouter(ft, s, zerolog.Nop())
	require.NoError(t, r.Subscribe("a/#", func(context.Context, Message) {}))
	require.NoError(t, r.Connect(context.Background()))

	done := make(chan struct{})
	go func() {
		ft.deliver("a/1", `{}`)
		ft.deliver("a/2", `{}`)
		ft.deliver("a/3", `{}`)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked the transport goroutine")
	}
	assert.Equal(t, 1, s.Pending())
}

func TestPublishEncodesJSON(t *testing.T) {
	ft := newFakeTransport()
	r := NewRouter(ft, startScheduler(t), zerolog.Nop())
	require.NoError(t, r.Publish("jobs/call/X", map[string]string{"requestId": "X"}))
	assert.JSONEq(t, `{"requestId":"X"}`, string(ft.published["jobs/call/X"]))
}

func TestMessageHelpers(t *testing.T) {
	m := Message{Topic: "jobs/bid/REQ1/R5", Payload: []byte(`{"battery":80}`)}
	assert.Equal(t, "REQ1", m.Segment(2))
	assert.Equal(t, "", m.Segment(9))

	var v struct{ Battery int }
	require.NoError(t, m.Decode(&v))
	assert.Equal(t, 80, v.Battery)
}

func TestLoopbackDeliversAcrossRouters(t *testing.T) {
	broker := NewLoopbackBroker()
	sched := startScheduler(t)
	a := NewRouter(NewLoopback(broker), sched, zerolog.Nop())
	b := NewRouter(NewLoopback(broker), sched, zerolog.Nop())
	defer a.Close()
	defer b.Close()

	got := make(chan Message, 1)
	require.NoError(t, b.Subscribe("jobs/call/+", func(_ context.Context, m Message) { got <- m }))
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))

	require.NoError(t, a.Publish("jobs/call/X", map[string]string{"requestId": "X"}))
	select {
	case m := <-got:
		assert.Equal(t, "jobs/call/X", m.Topic)
		assert.JSONEq(t, `{"requestId":"X"}`, string(m.Payload))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}
