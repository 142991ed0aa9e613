// Package rabbitmq consumes producer events from an AMQP queue and feeds
// them into the engine. Deliveries are acked only after a successful publish.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"beacon/internal/event"
	"beacon/pkg/logx"
)

// Publisher is the engine surface the adapter needs.
type Publisher interface {
	Publish(streamID, eventType string, prio event.Priority, source string, payload map[string]any) event.Envelope
}

type Config struct {
	Enabled       bool
	URL           string
	Queue         string
	ConsumerTag   string
	PrefetchCount int
	DefaultStream string
	// ReconnectBackoff spaces reconnect attempts after a broker loss.
	ReconnectBackoff time.Duration
}

func (c *Config) withDefaults() {
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 64
	}
	if c.DefaultStream == "" {
		c.DefaultStream = "default"
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 3 * time.Second
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rabbitmq.url is required")
	}
	if strings.TrimSpace(c.Queue) == "" {
		return errors.New("rabbitmq.queue is required")
	}
	return nil
}

type messageEnvelope struct {
	StreamID  string         `json:"stream_id"`
	EventType string         `json:"event_type"`
	Priority  string         `json:"priority"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
}

type Adapter struct {
	cfg Config
	pub Publisher
	log logx.Logger
}

func NewAdapter(cfg Config, pub Publisher, log logx.Logger) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, pub: pub, log: log.With(logx.String("comp", "ingest.rabbitmq"))}, nil
}

// Start consumes until ctx is canceled, reconnecting with backoff when the
// broker connection drops.
func (a *Adapter) Start(ctx context.Context) error {
	for {
		err := a.consumeOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.log.Warn("consumer stopped, reconnecting",
			logx.Err(err), logx.Duration("backoff", a.cfg.ReconnectBackoff))
		t := time.NewTimer(a.cfg.ReconnectBackoff)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (a *Adapter) consumeOnce(ctx context.Context) error {
	conn, err := amqp091.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	closeCh := conn.NotifyClose(make(chan *amqp091.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cerr := <-closeCh:
			if cerr != nil {
				return cerr
			}
			return errors.New("connection closed")
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := a.handleDelivery(d); err != nil {
				a.log.Warn("message rejected", logx.Err(err))
				// Unparseable messages never succeed on redelivery.
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (a *Adapter) handleDelivery(d amqp091.Delivery) error {
	var me messageEnvelope
	if err := json.Unmarshal(d.Body, &me); err != nil {
		return fmt.Errorf("parse message: %w", err)
	}
	if strings.TrimSpace(me.EventType) == "" {
		return errors.New("message missing event_type")
	}
	prio, err := event.ParsePriority(me.Priority)
	if err != nil {
		return err
	}
	stream := me.StreamID
	if stream == "" {
		stream = a.cfg.DefaultStream
	}
	a.pub.Publish(stream, me.EventType, prio, me.Source, me.Payload)
	return nil
}
