package topics

import (
	"context"
	"errors"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

var errNotConnected = errors.New("mqtt client not connected")

type PahoConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	KeepAlive time.Duration
}

// PahoTransport is the MQTT 3.1.1 transport. Paho delivers messages on its own
// goroutines; they are passed straight to the router's onMessage.
type PahoTransport struct {
	cfg    PahoConfig
	log    zerolog.Logger
	client MQTT.Client

	mu       sync.Mutex
	patterns []string
}

func NewPahoTransport(cfg PahoConfig, logger zerolog.Logger) *PahoTransport {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	return &PahoTransport{cfg: cfg, log: logger.With().Str("component", "mqtt").Str("clientId", cfg.ClientID).Logger()}
}

func (p *PahoTransport) Connect(ctx context.Context, onMessage func(topic string, payload []byte)) error {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(p.cfg.BrokerURL)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetProtocolVersion(4)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetKeepAlive(p.cfg.KeepAlive)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetDefaultPublishHandler(func(_ MQTT.Client, m MQTT.Message) {
		onMessage(m.Topic(), m.Payload())
	})
	// Subscriptions are lost with a clean session, so restore them on every (re)connect.
	opts.SetOnConnectHandler(func(c MQTT.Client) {
		p.log.Info().Str("broker", p.cfg.BrokerURL).Msg("connected to MQTT broker")
		p.mu.Lock()
		patterns := append([]string(nil), p.patterns...)
		p.mu.Unlock()
		for _, pattern := range patterns {
			if t := c.Subscribe(pattern, p.cfg.QoS, nil); t.Wait() && t.Error() != nil {
				p.log.Error().Err(t.Error()).Str("pattern", pattern).Msg("resubscribe failed")
			}
		}
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		p.log.Warn().Err(err).Msg("connection lost, reconnecting")
	})

	p.client = MQTT.NewClient(opts)
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return token.Error()
}

func (p *PahoTransport) Subscribe(pattern string) error {
	p.mu.Lock()
	p.patterns = append(p.patterns, pattern)
	p.mu.Unlock()
	if p.client == nil || !p.client.IsConnected() {
		return nil
	}
	// A nil callback routes messages through the default publish handler.
	t := p.client.Subscribe(pattern, p.cfg.QoS, nil)
	t.Wait()
	return t.Error()
}

func (p *PahoTransport) Publish(topic string, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return errNotConnected
	}
	t := p.client.Publish(topic, p.cfg.QoS, false, payload)
	go func() {
		<-t.Done()
		if err := t.Error(); err != nil {
			p.log.Error().Err(err).Str("topic", topic).Msg("publish failed")
		}
	}()
	return nil
}

func (p *PahoTransport) IsConnected() bool {
	return p.client != nil && p.client.IsConnected()
}

func (p *PahoTransport) Close() {
	if p.client != nil {
		p.client.Disconnect(250)
	}
}
