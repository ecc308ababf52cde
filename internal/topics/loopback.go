package topics

import (
	"context"
	"errors"
	"sync"
)

var errClosed = errors.New("loopback transport closed")

// LoopbackBroker is an in-process broker for tests and single-process simulation.
// Each connected transport receives messages on its own delivery goroutine, the
// way a network client would.
type LoopbackBroker struct {
	mu      sync.RWMutex
	clients map[*Loopback]struct{}
}

func NewLoopbackBroker() *LoopbackBroker {
	return &LoopbackBroker{clients: make(map[*Loopback]struct{})}
}

func (b *LoopbackBroker) publish(topic string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		if c.matches(topic) {
			c.enqueue(delivery{topic: topic, payload: append([]byte(nil), payload...)})
		}
	}
}

type delivery struct {
	topic   string
	payload []byte
}

type Loopback struct {
	broker *LoopbackBroker

	mu        sync.Mutex
	patterns  []string
	inbox     chan delivery
	done      chan struct{}
	connected bool
	closeOnce sync.Once
}

func NewLoopback(b *LoopbackBroker) *Loopback {
	return &Loopback{broker: b, inbox: make(chan delivery, 256), done: make(chan struct{})}
}

func (l *Loopback) Connect(ctx context.Context, onMessage func(topic string, payload []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return nil
	}
	l.connected = true
	l.mu.Unlock()

	l.broker.mu.Lock()
	l.broker.clients[l] = struct{}{}
	l.broker.mu.Unlock()

	go func() {
		for {
			select {
			case d := <-l.inbox:
				onMessage(d.topic, d.payload)
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

func (l *Loopback) Subscribe(pattern string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.patterns = append(l.patterns, pattern)
	return nil
}

func (l *Loopback) Publish(topic string, payload []byte) error {
	if !l.IsConnected() {
		return errClosed
	}
	l.broker.publish(topic, payload)
	return nil
}

func (l *Loopback) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Loopback) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.connected = false
		l.mu.Unlock()
		// done first: a publisher blocked on a full inbox holds the broker lock.
		close(l.done)
		l.broker.mu.Lock()
		delete(l.broker.clients, l)
		l.broker.mu.Unlock()
	})
}

func (l *Loopback) matches(topic string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.patterns {
		if Match(p, topic) {
			return true
		}
	}
	return false
}

func (l *Loopback) enqueue(d delivery) {
	select {
	case l.inbox <- d:
	case <-l.done:
	}
}
