// Package bus carries saga events between services over a durable, partitioned
// log. Events are JSON documents keyed by requestId.
package bus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/example/parking-valet/internal/scheduler"
)

const (
	TopicCheckinSubmitted          = "checkin.submitted.v1"
	TopicSpotConsultRequested      = "spot.consult.requested.v1"
	TopicSpotConsultCompleted      = "spot.consult.completed.v1"
	TopicSpotReserveRequested      = "spot.reserve.requested.v1"
	TopicSpotReserved              = "spot.reserved.v1"
	TopicRobotAssignRequested      = "robot.assign.requested.v1"
	TopicRobotAssigned             = "robot.assigned.v1"
	TopicRobotNone                 = "robot.none.v1"
	TopicOperationConfirmRequested = "operation.confirm.requested.v1"
	TopicOperationConfirmed        = "operation.confirmed.v1"
)

type Message struct {
	Topic string
	Key   string
	Value []byte
	Time  time.Time
}

func (m Message) Decode(v any) error { return json.Unmarshal(m.Value, v) }

// Handler processes one event. A nil return marks the event as consumed.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, topic, key string, v any) error
}

// Mux routes events to handlers by exact topic name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      zerolog.Logger
}

func NewMux(logger zerolog.Logger) *Mux {
	return &Mux{handlers: make(map[string]Handler), log: logger.With().Str("component", "bus-mux").Logger()}
}

func (m *Mux) Handle(topic string, h Handler) {
	m.mu.Lock()
	m.handlers[topic] = h
	m.mu.Unlock()
}

// Topics returns the registered topic names, sorted.
func (m *Mux) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch hands msg to its topic's handler. Unknown topics are dropped.
func (m *Mux) Dispatch(ctx context.Context, msg Message) error {
	m.mu.RLock()
	h, ok := m.handlers[msg.Topic]
	m.mu.RUnlock()
	if !ok {
		m.log.Warn().Str("topic", msg.Topic).Msg("no handler for topic, dropping")
		return nil
	}
	return h(ctx, msg)
}

// handleWithRetry runs h up to attempts times, doubling delay between failures.
func handleWithRetry(ctx context.Context, h Handler, msg Message, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = h(ctx, msg); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
		delay *= 2
	}
	return err
}

// sleep waits for d. Inside a scheduler task the task's slot is free meanwhile.
func sleep(ctx context.Context, d time.Duration) error {
	if !scheduler.Sleep(ctx, d) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return scheduler.ErrStopped
	}
	return nil
}
