package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// AMQPQueue publishes JSON payloads to a topic exchange and consumes durable
// queues bound to it. Subscribers receive the raw body as []byte.
type AMQPQueue struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	log      logrus.FieldLogger

	pubMu sync.Mutex
}

var _ Queue = (*AMQPQueue)(nil)

func NewAMQPQueue(url, exchange string, log logrus.FieldLogger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPQueue{conn: conn, ch: ch, exchange: exchange, log: log}, nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.ch.Publish(
		q.exchange,
		topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
}

// Subscribe declares a durable queue named topic, binds it to the exchange
// under the same key and consumes it. A failing handler gets one redelivery.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	if _, err := q.ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	if err := q.ch.QueueBind(topic, topic, q.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", topic, err)
	}

	msgs, err := q.ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}

	go func() {
		for d := range msgs {
			if err := handler(d.Body); err != nil {
				entry := q.log.WithFields(logrus.Fields{"topic": topic, "message_id": d.MessageId}).WithError(err)
				if !d.Redelivered {
					entry.Warn("handler failed, requeueing once")
					_ = d.Nack(false, true)
					continue
				}
				entry.Error("handler failed on redelivery, dropping")
			}
			_ = d.Ack(false)
		}
		q.log.WithField("topic", topic).Info("amqp consumer stopped")
	}()
	return nil
}

func (q *AMQPQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}
