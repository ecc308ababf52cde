package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/example/parking-valet/internal/observability"
)

// Memory is an in-process bus. It records every publish and delivers each event
// asynchronously to the handler subscribed to its topic, retrying failed
// handlers a few times the way a redelivering broker would.
type Memory struct {
	mu        sync.Mutex
	published []Message
	handlers  map[string]Handler
	log       zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	Attempts   int
	RetryDelay time.Duration
}

func NewMemory(logger zerolog.Logger) *Memory {
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{
		handlers:   make(map[string]Handler),
		log:        logger.With().Str("component", "bus-memory").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		Attempts:   3,
		RetryDelay: 10 * time.Millisecond,
	}
}

func (m *Memory) Subscribe(topic string, h Handler) {
	m.mu.Lock()
	m.handlers[topic] = h
	m.mu.Unlock()
}

// Serve subscribes every topic registered on mux.
func (m *Memory) Serve(mux *Mux) {
	for _, t := range mux.Topics() {
		m.Subscribe(t, mux.Dispatch)
	}
}

func (m *Memory) Publish(ctx context.Context, topic, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	msg := Message{Topic: topic, Key: key, Value: b, Time: time.Now()}
	m.mu.Lock()
	m.published = append(m.published, msg)
	h := m.handlers[topic]
	m.mu.Unlock()
	observability.BusPublished.WithLabelValues(topic).Inc()

	if h != nil {
		m.deliver(h, msg)
	}
	return nil
}

// Inject delivers msg to its handler as if it had been consumed from the log,
// without recording it as a publish.
func (m *Memory) Inject(msg Message) {
	m.mu.Lock()
	h := m.handlers[msg.Topic]
	m.mu.Unlock()
	if h != nil {
		m.deliver(h, msg)
	}
}

func (m *Memory) deliver(h Handler, msg Message) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		observability.BusConsumed.WithLabelValues(msg.Topic).Inc()
		if err := handleWithRetry(m.ctx, h, msg, m.Attempts, m.RetryDelay); err != nil {
			observability.BusHandlerErrors.WithLabelValues(msg.Topic).Inc()
			m.log.Error().Err(err).Str("topic", msg.Topic).Str("key", msg.Key).Msg("handler failed")
		}
	}()
}

// Published returns the events published on topic, or all events when topic is empty.
func (m *Memory) Published(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.published {
		if topic == "" || msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// Close cancels in-flight deliveries and waits for them to return.
func (m *Memory) Close() {
	m.cancel()
	m.wg.Wait()
}
