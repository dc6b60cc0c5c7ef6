package relay

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
)

const (
	// ExchangeEvents carries ephemeral change-event broadcasts between nodes.
	ExchangeEvents = "chatsync.events"

	routingKeyCommit = "store.commit"
)

// Client owns the RabbitMQ plumbing: a classic channel for topic-exchange
// broadcast and, when stream mode is configured, a stream environment for
// the durable ordered commit feed.
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel

	StreamEnv *stream.Environment
}

func NewClient(url string, withStream bool) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeEvents, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare events exchange: %w", err)
	}

	c := &Client{conn: conn, channel: ch}

	if withStream {
		env, err := stream.NewEnvironment(stream.NewEnvironmentOptions().SetUri(url))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("connect stream environment: %w", err)
		}
		c.StreamEnv = env
	}
	return c, nil
}

func (c *Client) Publish(ctx context.Context, routingKey string, body any) error {
	bytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return c.channel.PublishWithContext(ctx,
		ExchangeEvents,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        bytes,
		},
	)
}

// ConsumeBroadcast binds a private auto-delete queue to the events exchange
// and consumes it. Every node gets every event; the envelope's node id keeps
// a node from replaying its own commits.
func (c *Client) ConsumeBroadcast(routingKey string) (<-chan amqp.Delivery, error) {
	q, err := c.channel.QueueDeclare(
		"",    // name (auto-generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declare broadcast queue: %w", err)
	}

	if err := c.channel.QueueBind(q.Name, routingKey, ExchangeEvents, false, nil); err != nil {
		return nil, fmt.Errorf("bind broadcast queue: %w", err)
	}

	return c.channel.Consume(
		q.Name, "", true, false, false, false, nil,
	)
}

// DeclareStream makes sure the durable commit stream exists before a
// producer or consumer attaches to it.
func (c *Client) DeclareStream(name string) error {
	if c.StreamEnv == nil {
		return fmt.Errorf("stream environment not configured")
	}
	err := c.StreamEnv.DeclareStream(name,
		stream.NewStreamOptions().SetMaxLengthBytes(stream.ByteCapacity{}.GB(1)),
	)
	if err != nil {
		return fmt.Errorf("declare stream %s: %w", name, err)
	}
	return nil
}

func (c *Client) Close() {
	if c.StreamEnv != nil {
		c.StreamEnv.Close()
	}
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
