package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Subscriber consumes the commands addressed to one node.
type Subscriber struct {
	ch        Channel
	conn      io.Closer
	queue     string
	out       chan Delivery
	closeOnce sync.Once
	closeErr  error
}

// Subscribe connects to the broker and starts consuming for routingKey.
func Subscribe(opts Options, routingKey string) (*Subscriber, error) {
	conn, ch, err := dial(opts.URL)
	if err != nil {
		return nil, err
	}
	s, err := NewSubscriber(ch, conn, opts.Exchange, routingKey)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// NewSubscriber declares the exchange, an exclusive server-named queue bound
// with routingKey, and starts an auto-ack consumer on it. conn may be nil.
func NewSubscriber(ch Channel, conn io.Closer, exchange, routingKey string) (*Subscriber, error) {
	if routingKey == "" {
		return nil, fmt.Errorf("routing key is empty")
	}
	if err := declareExchange(ch, exchange); err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare("", false, false, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s to %s: %w", q.Name, exchange, err)
	}

	in, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	s := &Subscriber{ch: ch, conn: conn, queue: q.Name, out: make(chan Delivery)}
	go func() {
		defer close(s.out)
		for d := range in {
			s.out <- Delivery{
				Body:        d.Body,
				ConsumerTag: d.ConsumerTag,
				RoutingKey:  d.RoutingKey,
				Exchange:    d.Exchange,
			}
		}
	}()
	return s, nil
}

// Deliveries is closed once the broker stops delivering, normally after Close.
func (s *Subscriber) Deliveries() <-chan Delivery { return s.out }

// Queue returns the server-assigned queue name.
func (s *Subscriber) Queue() string { return s.queue }

// Close closes the channel, then the connection. Safe to call more than once.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close connection: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
