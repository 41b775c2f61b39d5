package queue

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler consumes one event payload. A non-nil error asks for redelivery.
type Handler func(payload any) error

// Queue carries status and inbound events to downstream consumers and
// process jobs to workers.
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler Handler) error
}

// InMemoryQueue delivers within the process and retries failed handlers with
// a linear backoff. It backs tests and single-binary development setups.
type InMemoryQueue struct {
	mu          sync.Mutex
	subscribers map[string][]Handler
	log         logrus.FieldLogger

	MaxRetries int
	Backoff    time.Duration
}

func NewInMemoryQueue(log logrus.FieldLogger) *InMemoryQueue {
	return &InMemoryQueue{
		subscribers: make(map[string][]Handler),
		log:         log,
		MaxRetries:  3,
		Backoff:     500 * time.Millisecond,
	}
}

type delivery struct {
	topic    string
	payload  any
	attempts int
}

// Publish hands payload to every subscriber of topic. Events nobody listens
// to are dropped.
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	subs := append([]Handler(nil), q.subscribers[topic]...)
	q.mu.Unlock()

	if len(subs) == 0 {
		q.log.WithField("topic", topic).Debug("no subscribers, event dropped")
		return nil
	}
	for _, h := range subs {
		go q.deliver(h, &delivery{topic: topic, payload: payload})
	}
	return nil
}

func (q *InMemoryQueue) deliver(h Handler, d *delivery) {
	for {
		err := h(d.payload)
		if err == nil {
			return
		}
		d.attempts++
		entry := q.log.WithFields(logrus.Fields{"topic": d.topic, "attempt": d.attempts})
		if d.attempts > q.MaxRetries {
			entry.WithError(err).Error("event handler gave up")
			return
		}
		entry.WithError(err).Warn("event handler failed, retrying")
		time.Sleep(time.Duration(d.attempts) * q.Backoff)
	}
}

func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	q.subscribers[topic] = append(q.subscribers[topic], handler)
	q.mu.Unlock()
	return nil
}
