package events

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
	"github.com/oipwg/oipd/record"
)

// AMQPConnection abstracts the broker connection for dependency injection.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPChannel abstracts the broker channel, publish and consume side both.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPDialer abstracts connection establishment so tests can inject mocks.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// RealAMQPDialer dials an actual broker.
type RealAMQPDialer struct{}

func (RealAMQPDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}

type realConnection struct {
	conn *amqp.Connection
}

func (r *realConnection) Channel() (AMQPChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &realChannel{ch: ch}, nil
}

func (r *realConnection) Close() error { return r.conn.Close() }

type realChannel struct {
	ch *amqp.Channel
}

func (r *realChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return r.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (r *realChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.ch.Publish(exchange, key, mandatory, immediate, msg)
}

func (r *realChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return r.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (r *realChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return r.ch.QueueBind(name, key, exchange, noWait, args)
}

func (r *realChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return r.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (r *realChannel) Close() error { return r.ch.Close() }

// Rabbit publishes events to a topic exchange.
type Rabbit struct {
	connection AMQPConnection
	channel    AMQPChannel
	exchange   string
	log        *logrus.Entry
}

// NewRabbit connects to the broker and declares the exchange.
func NewRabbit(cfg config.AMQPConfig) (*Rabbit, error) {
	return NewRabbitWithDialer(cfg, RealAMQPDialer{})
}

// NewRabbitWithDialer is NewRabbit with an injected dialer for tests.
func NewRabbitWithDialer(cfg config.AMQPConfig, dialer AMQPDialer) (*Rabbit, error) {
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Rabbit{
		connection: conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		log:        common.ComponentLogger("events"),
	}, nil
}

// RecordIndexed announces a fresh projection.
func (r *Rabbit) RecordIndexed(rec *record.Record) {
	r.publish(indexedEvent(rec))
}

// RecordDeleted announces an applied deletion.
func (r *Rabbit) RecordDeleted(did, origin string) {
	r.publish(deletedEvent(did, origin))
}

// TemplateRegistered announces a new template.
func (r *Rabbit) TemplateRegistered(name string) {
	r.publish(templateEvent(name))
}

func (r *Rabbit) publish(e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		r.log.WithError(err).Error("encode event")
		return
	}
	err = r.channel.Publish(r.exchange, e.Key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		// Best effort: the projection already happened, a consumer that
		// missed this event resyncs from the index.
		r.log.WithError(err).WithField("key", e.Key).Warn("publish failed")
	}
}

// Close releases the channel and connection.
func (r *Rabbit) Close() error {
	if err := r.channel.Close(); err != nil {
		_ = r.connection.Close()
		return err
	}
	return r.connection.Close()
}
