// Package telemetry streams encoded payloads to an MQTT broker.
//
// Publishing is best-effort: PublishFrame copies the payload into a bounded
// queue and returns immediately, dropping the frame when the queue is full.
package telemetry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// TimestampSize is the length of the little endian timestamp prefix.
const TimestampSize = 8

// Config configures the MQTT publisher.
type Config struct {
	Broker         string
	Topic          string
	ClientID       string
	QoS            byte
	QueueSize      int
	ConnectTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Topic == "" {
		c.Topic = "encoderd/frames"
	}
}

// Stats reports publisher counters.
type Stats struct {
	Connected bool   `json:"connected"`
	Queued    int    `json:"queued"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// client is the subset of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type message struct {
	ts      uint64
	payload []byte
}

// Publisher sends frames to a single MQTT topic.
type Publisher struct {
	cfg    Config
	client client
	logger *slog.Logger

	queue chan message
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	connected atomic.Bool
	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// Connect dials the broker and starts the publish worker. The client keeps
// reconnecting in the background after a successful first connect.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	cfg.applyDefaults()
	if cfg.Broker == "" {
		return nil, errors.New("telemetry: broker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := newPublisher(cfg, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		p.connected.Store(true)
		p.logger.Info("mqtt connection established", slog.String("broker", cfg.Broker), slog.String("client_id", cfg.ClientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.connected.Store(false)
		p.logger.Warn("mqtt connection lost, will auto-reconnect", slog.String("broker", cfg.Broker), slog.String("error", err.Error()))
	}

	c := mqtt.NewClient(opts)
	p.logger.Info("connecting to mqtt broker", slog.String("broker", cfg.Broker), slog.String("topic", cfg.Topic))

	token := c.Connect()
	select {
	case <-token.Done():
	case <-time.After(cfg.ConnectTimeout):
		c.Disconnect(0)
		return nil, fmt.Errorf("telemetry: connecting to %s: timeout after %s", cfg.Broker, cfg.ConnectTimeout)
	case <-ctx.Done():
		c.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("telemetry: connecting to %s: %w", cfg.Broker, err)
	}
	p.connected.Store(true)

	p.client = c
	p.start()
	return p, nil
}

func newPublisher(cfg Config, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "telemetry")),
		queue:  make(chan message, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
}

func (p *Publisher) start() {
	p.wg.Add(1)
	go p.run()
}

// PublishFrame queues a payload for publishing. It never blocks.
func (p *Publisher) PublishFrame(ts uint64, payload []byte) {
	msg := message{ts: ts, payload: append([]byte(nil), payload...)}
	select {
	case p.queue <- msg:
	default:
		if p.dropped.Add(1)%100 == 1 {
			p.logger.Warn("telemetry queue full, dropping frames", slog.Uint64("dropped", p.dropped.Load()))
		}
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.queue:
			p.send(msg)
		case <-p.stop:
			// Flush what is already queued.
			for {
				select {
				case msg := <-p.queue:
					p.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(msg message) {
	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, false, Encode(msg.ts, msg.payload))
	if p.cfg.QoS == 0 {
		p.published.Add(1)
		return
	}
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		p.errors.Add(1)
		return
	}
	p.published.Add(1)
}

// Close stops the worker after flushing queued frames and disconnects.
func (p *Publisher) Close() error {
	p.once.Do(func() {
		close(p.stop)
		p.wg.Wait()
		p.client.Disconnect(250)
		p.connected.Store(false)
		p.logger.Info("mqtt disconnected", slog.Uint64("published", p.published.Load()), slog.Uint64("dropped", p.dropped.Load()))
	})
	return nil
}

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Connected: p.connected.Load(),
		Queued:    len(p.queue),
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Errors:    p.errors.Load(),
	}
}

// Encode frames a payload as an 8 byte little endian timestamp followed by
// the payload bytes.
func Encode(ts uint64, payload []byte) []byte {
	msg := make([]byte, TimestampSize+len(payload))
	binary.LittleEndian.PutUint64(msg, ts)
	copy(msg[TimestampSize:], payload)
	return msg
}

// Decode splits a message produced by Encode.
func Decode(msg []byte) (uint64, []byte, error) {
	if len(msg) < TimestampSize {
		return 0, nil, fmt.Errorf("telemetry: message of %d bytes has no timestamp", len(msg))
	}
	return binary.LittleEndian.Uint64(msg), msg[TimestampSize:], nil
}
