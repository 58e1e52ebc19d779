package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends command envelopes to nodes.
type Publisher struct {
	ch       Channel
	conn     io.Closer
	exchange string
}

// Dial connects a Publisher to the broker.
func Dial(opts Options) (*Publisher, error) {
	conn, ch, err := dial(opts.URL)
	if err != nil {
		return nil, err
	}
	p, err := NewPublisher(ch, conn, opts.Exchange)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

// NewPublisher declares the exchange with the same parameters subscribers use.
func NewPublisher(ch Channel, conn io.Closer, exchange string) (*Publisher, error) {
	if err := declareExchange(ch, exchange); err != nil {
		return nil, err
	}
	return &Publisher{ch: ch, conn: conn, exchange: exchange}, nil
}

// Publish routes body to node. Nothing guarantees a subscriber is listening.
func (p *Publisher) Publish(ctx context.Context, node string, body []byte) error {
	if node == "" {
		return fmt.Errorf("node is empty")
	}
	err := p.ch.PublishWithContext(ctx, p.exchange, node, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", node, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	var errs []error
	if err := p.ch.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
