package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
)

// Listener consumes events from the exchange through a broker-named
// exclusive queue. It backs the listen command and serves as the reference
// consumer for external collaborators.
type Listener struct {
	connection AMQPConnection
	channel    AMQPChannel
	deliveries <-chan amqp.Delivery
	log        *logrus.Entry
}

// NewListener connects and binds a fresh queue for the routing-key pattern,
// "#" for everything.
func NewListener(cfg config.AMQPConfig, pattern string) (*Listener, error) {
	return NewListenerWithDialer(cfg, pattern, RealAMQPDialer{})
}

// NewListenerWithDialer is NewListener with an injected dialer for tests.
func NewListenerWithDialer(cfg config.AMQPConfig, pattern string, dialer AMQPDialer) (*Listener, error) {
	if pattern == "" {
		pattern = "#"
	}
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	cleanup := func() {
		_ = ch.Close()
		_ = conn.Close()
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		cleanup()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, pattern, cfg.Exchange, false, nil); err != nil {
		cleanup()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("consume: %w", err)
	}
	return &Listener{
		connection: conn,
		channel:    ch,
		deliveries: deliveries,
		log:        common.ComponentLogger("events-listener"),
	}, nil
}

// Run decodes deliveries and hands each event to fn until the context ends
// or the broker closes the stream. Undecodable bodies are logged and
// skipped.
func (l *Listener) Run(ctx context.Context, fn func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-l.deliveries:
			if !ok {
				return fmt.Errorf("delivery stream closed")
			}
			var e Event
			if err := json.Unmarshal(d.Body, &e); err != nil {
				l.log.WithError(err).Warn("undecodable event body")
				continue
			}
			fn(e)
		}
	}
}

// Close releases the channel and connection.
func (l *Listener) Close() error {
	if err := l.channel.Close(); err != nil {
		_ = l.connection.Close()
		return err
	}
	return l.connection.Close()
}
