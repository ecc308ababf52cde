package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/parking-valet/internal/observability"
	"github.com/example/parking-valet/internal/scheduler"
)

const (
	publishTimeout = 2 * time.Second
	minBackoff     = time.Second
	maxBackoff     = 30 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to their topic, partitioned by key so that all
// events of one flow land on the same partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	observability.BusPublished.WithLabelValues(topic).Inc()
	return nil
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

type SubscriberConfig struct {
	Brokers []string
	GroupID string
	// HandlerAttempts and RetryDelay shape one delivery round. A round that fails
	// is redelivered after RedeliveryDelay, doubling up to 30s, until it succeeds.
	HandlerAttempts int
	RetryDelay      time.Duration
	RedeliveryDelay time.Duration
}

// KafkaSubscriber consumes every topic registered on a Mux as one consumer group.
// Each fetched event runs as a scheduler task. A partition's offset is committed
// only up to the last event before the oldest one still unhandled.
type KafkaSubscriber struct {
	cfg       SubscriberConfig
	sched     *scheduler.Scheduler
	log       zerolog.Logger
	newReader func(topics []string) messageReader

	commitMu sync.Mutex
	offsets  *offsetTracker
}

func NewKafkaSubscriber(cfg SubscriberConfig, s *scheduler.Scheduler, logger zerolog.Logger) *KafkaSubscriber {
	if cfg.HandlerAttempts <= 0 {
		cfg.HandlerAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = minBackoff
	}
	ks := &KafkaSubscriber{
		cfg:     cfg,
		sched:   s,
		log:     logger.With().Str("component", "bus-subscriber").Logger(),
		offsets: newOffsetTracker(),
	}
	ks.newReader = func(topics []string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			GroupTopics: topics,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     500 * time.Millisecond,
		})
	}
	return ks
}

// Run blocks until ctx is cancelled.
func (k *KafkaSubscriber) Run(ctx context.Context, mux *Mux) error {
	topics := mux.Topics()
	if len(topics) == 0 {
		return errors.New("bus: no topics registered")
	}
	r := k.newReader(topics)
	defer func() { _ = r.Close() }()

	k.log.Info().Strs("topics", topics).Str("group", k.cfg.GroupID).Msg("consumer listening")

	backoff := minBackoff
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.log.Info().Msg("shutting down consumer")
				return nil
			}
			k.log.Error().Err(err).Dur("backoff", backoff).Msg("kafka fetch error")
			if sleep(ctx, backoff) != nil {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff
		observability.BusConsumed.WithLabelValues(m.Topic).Inc()
		k.offsets.track(m)

		if err := k.sched.Submit(ctx, k.task(r, mux, m)); err != nil {
			if ctx.Err() != nil || errors.Is(err, scheduler.ErrStopped) {
				return nil
			}
			return err
		}
	}
}

func (k *KafkaSubscriber) task(r messageReader, mux *Mux, m kafka.Message) scheduler.Task {
	msg := Message{Topic: m.Topic, Key: string(m.Key), Value: m.Value, Time: m.Time}
	return func(ctx context.Context) {
		delay := k.cfg.RedeliveryDelay
		for {
			err := handleWithRetry(ctx, mux.Dispatch, msg, k.cfg.HandlerAttempts, k.cfg.RetryDelay)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			observability.BusHandlerErrors.WithLabelValues(m.Topic).Inc()
			k.log.Error().Err(err).Str("topic", m.Topic).Str("key", msg.Key).Int64("offset", m.Offset).
				Dur("redeliverIn", delay).Msg("handler failed, holding partition commits")
			if sleep(ctx, delay) != nil {
				return
			}
			delay = min(delay*2, maxBackoff)
		}
		k.commit(ctx, r, m)
	}
}

// commit marks m handled and commits the partition's handled prefix, if it grew.
// Commits are serialized so a lower offset is never sent after a higher one.
func (k *KafkaSubscriber) commit(ctx context.Context, r messageReader, m kafka.Message) {
	k.commitMu.Lock()
	defer k.commitMu.Unlock()
	last, ok := k.offsets.complete(m)
	if !ok {
		k.log.Debug().Str("topic", m.Topic).Int64("offset", m.Offset).Msg("handled, waiting on an earlier offset")
		return
	}
	if err := r.CommitMessages(ctx, last); err != nil {
		k.log.Error().Err(err).Str("topic", last.Topic).Int64("offset", last.Offset).Msg("commit failed")
	}
}

type partitionKey struct {
	topic     string
	partition int
}

// offsetTracker remembers fetched offsets per partition in fetch order and
// which of them were handled.
type offsetTracker struct {
	mu      sync.Mutex
	pending map[partitionKey][]int64
	handled map[partitionKey]map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{
		pending: make(map[partitionKey][]int64),
		handled: make(map[partitionKey]map[int64]kafka.Message),
	}
}

func (t *offsetTracker) track(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := partitionKey{m.Topic, m.Partition}
	t.pending[key] = append(t.pending[key], m.Offset)
}

// complete records m as handled and returns the newest message of the handled
// prefix when that prefix advanced.
func (t *offsetTracker) complete(m kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := partitionKey{m.Topic, m.Partition}
	if t.handled[key] == nil {
		t.handled[key] = make(map[int64]kafka.Message)
	}
	t.handled[key][m.Offset] = m

	var last kafka.Message
	advanced := false
	q := t.pending[key]
	for len(q) > 0 {
		hm, ok := t.handled[key][q[0]]
		if !ok {
			break
		}
		delete(t.handled[key], q[0])
		last, advanced = hm, true
		q = q[1:]
	}
	t.pending[key] = q
	return last, advanced
}
