// Package topics talks to field robots over a wildcard-addressed pub/sub transport.
//
// The Router owns the transport connection, matches inbound topics against its
// own subscription table and hands every matched message to the scheduler. It
// never runs a handler on the transport's network goroutine.
package topics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/example/parking-valet/internal/observability"
	"github.com/example/parking-valet/internal/scheduler"
)

var (
	// ErrConnection is returned when the transport session cannot be established.
	ErrConnection = errors.New("transport connection error")
	// ErrMalformedMessage marks an inbound payload that is not valid JSON.
	ErrMalformedMessage = errors.New("malformed message")
)

// Transport is a pub/sub client with wildcard subscriptions. onMessage may be
// called from any goroutine and must return quickly.
type Transport interface {
	Connect(ctx context.Context, onMessage func(topic string, payload []byte)) error
	Subscribe(pattern string) error
	Publish(topic string, payload []byte) error
	IsConnected() bool
	Close()
}

// Message is an inbound message whose payload is known to be valid JSON.
type Message struct {
	Topic   string
	Payload json.RawMessage
}

// Segment returns the i-th topic segment, or "" when the topic is shorter.
func (m Message) Segment(i int) string {
	segs := strings.Split(m.Topic, separator)
	if i < 0 || i >= len(segs) {
		return ""
	}
	return segs[i]
}

func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

type Handler func(ctx context.Context, msg Message)

type route struct {
	pattern string
	handler Handler
}

type Router struct {
	transport Transport
	sched     *scheduler.Scheduler
	log       zerolog.Logger

	mu        sync.Mutex // serializes registration
	routes    atomic.Pointer[[]route]
	connected atomic.Bool
}

func NewRouter(t Transport, s *scheduler.Scheduler, logger zerolog.Logger) *Router {
	r := &Router{
		transport: t,
		sched:     s,
		log:       logger.With().Str("component", "topic_router").Logger(),
	}
	r.routes.Store(&[]route{})
	return r
}

// Connect blocks until the transport confirms the session, then subscribes every
// pattern registered so far.
func (r *Router) Connect(ctx context.Context) error {
	if err := r.transport.Connect(ctx, r.dispatch); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range *r.routes.Load() {
		if err := r.transport.Subscribe(rt.pattern); err != nil {
			return fmt.Errorf("%w: subscribe %s: %v", ErrConnection, rt.pattern, err)
		}
	}
	r.connected.Store(true)
	r.log.Info().Int("patterns", len(*r.routes.Load())).Msg("connected")
	return nil
}

// Subscribe registers handler for pattern. Patterns are tried in registration order.
func (r *Router) Subscribe(pattern string, h Handler) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.routes.Load()
	next := make([]route, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, route{pattern: pattern, handler: h})
	r.routes.Store(&next)

	if r.connected.Load() {
		if err := r.transport.Subscribe(pattern); err != nil {
			return fmt.Errorf("subscribe %s: %w", pattern, err)
		}
	}
	r.log.Info().Str("pattern", pattern).Msg("subscribed")
	return nil
}

// Publish encodes v as JSON and hands it to the transport without waiting for delivery.
func (r *Router) Publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if err := r.transport.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	r.log.Debug().Str("topic", topic).RawJSON("payload", payload).Msg("published")
	return nil
}

func (r *Router) IsConnected() bool { return r.transport.IsConnected() }

func (r *Router) Close() {
	r.connected.Store(false)
	r.transport.Close()
}

// dispatch runs on the transport's goroutine.
func (r *Router) dispatch(topic string, payload []byte) {
	h, pattern, ok := r.lookup(topic)
	if !ok {
		observability.RouterMessages.WithLabelValues("unhandled").Inc()
		r.log.Warn().Str("topic", topic).Msg("no handler for topic")
		return
	}
	if !json.Valid(payload) {
		observability.RouterMessages.WithLabelValues("malformed").Inc()
		r.log.Error().Err(ErrMalformedMessage).Str("topic", topic).Bytes("payload", payload).Msg("dropping message")
		return
	}
	msg := Message{Topic: topic, Payload: append(json.RawMessage(nil), payload...)}
	if !r.sched.TrySubmit(func(ctx context.Context) { h(ctx, msg) }) {
		observability.RouterMessages.WithLabelValues("dropped").Inc()
		r.log.Warn().Str("topic", topic).Str("pattern", pattern).Msg("scheduler queue full, dropping message")
		return
	}
	observability.RouterMessages.WithLabelValues("dispatched").Inc()
}

func (r *Router) lookup(topic string) (Handler, string, bool) {
	for _, rt := range *r.routes.Load() {
		if Match(rt.pattern, topic) {
			return rt.handler, rt.pattern, true
		}
	}
	return nil, "", false
}
