// Package transport carries command envelopes over RabbitMQ.
//
// Commands for a node arrive on a topic exchange; each node consumes from an
// exclusive, server-named queue bound with its own node name as routing key.
// Deliveries are auto-acknowledged, so a command is consumed at most once and
// a crash loses whatever was in flight.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

const exchangeKind = "topic"

// Delivery is one inbound message, stripped of broker plumbing.
type Delivery struct {
	Body        []byte
	ConsumerTag string
	RoutingKey  string
	Exchange    string
}

// Channel is the subset of *amqp.Channel used by this package.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Options describe where to connect and which exchange to use.
type Options struct {
	URL      string
	Exchange string
}

// BuildURL assembles an AMQP URL. The vhost is escaped so names containing
// '/' survive, and bare IPv6 hosts are bracketed.
func BuildURL(user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: "amqp"}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	if vhost != "" {
		escaped := strings.ReplaceAll(url.QueryEscape(vhost), "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escaped
	}
	return u.String()
}

// dial opens a connection and a channel, redacting credentials from errors.
func dial(rawURL string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to rabbitmq: %s", redact(err, rawURL))
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel on rabbitmq: %w", err)
	}
	return conn, ch, nil
}

func declareExchange(ch Channel, exchange string) error {
	if exchange == "" {
		return fmt.Errorf("exchange name is empty")
	}
	if err := ch.ExchangeDeclare(exchange, exchangeKind, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

func redact(err error, rawURL string) string {
	msg := err.Error()
	u, perr := url.Parse(rawURL)
	if perr != nil {
		return msg
	}
	msg = strings.ReplaceAll(msg, rawURL, u.Redacted())
	if u.User != nil {
		if pass, ok := u.User.Password(); ok && pass != "" {
			msg = strings.ReplaceAll(msg, pass, "xxxxx")
		}
	}
	return msg
}
