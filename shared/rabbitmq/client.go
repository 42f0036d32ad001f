package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange names used by all services. Jobs themselves are published to
// the default exchange with the queue name as routing key, so that
// worker-declared queues receive them directly.
const (
	// EventsExchange is the topic exchange that carries task and worker
	// lifecycle events. Routing keys are "task.<event>" and "worker.<event>".
	EventsExchange = "conductor.events"

	// ControlExchange is the fanout exchange that carries control messages
	// (currently only job cancellation) to every connected worker.
	ControlExchange = "conductor.control"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
	PublishRetries    int
	PublishRetryDelay time.Duration
}

// Client represents a RabbitMQ client
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected bool
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:      config,
		logger:      logger,
		closeChan:   make(chan *amqp.Error),
		isConnected: false,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	for attempt := 1; attempt <= c.config.RetryAttempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.RetryAttempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < c.config.RetryAttempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", c.config.RetryAttempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup exchanges: %w", err)
	}

	c.closeChan = make(chan *amqp.Error)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true

	c.logger.Info("RabbitMQ client initialized",
		slog.String("events_exchange", EventsExchange),
		slog.String("control_exchange", ControlExchange),
	)

	return nil
}

// setup declares the shared exchanges
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		EventsExchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare events exchange: %w", err)
	}

	err = c.channel.ExchangeDeclare(
		ControlExchange, // name
		"fanout",        // type
		false,           // durable
		false,           // auto-deleted
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare control exchange: %w", err)
	}

	return nil
}

// DeclareJobQueue declares a durable job queue. Workers call this for each
// queue they listen to; the API service calls it before publishing so that
// dispatch does not race worker startup.
func (c *Client) DeclareJobQueue(name string) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	_, err := c.channel.QueueDeclare(
		name,  // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare job queue %q: %w", name, err)
	}

	return nil
}

// PublishJob publishes a job message directly to a named job queue.
func (c *Client) PublishJob(ctx context.Context, queue string, body []byte) error {
	return c.publish(ctx, "", queue, body, amqp.Persistent)
}

// PublishEvent publishes a lifecycle event to the events exchange with the
// given routing key (e.g. "task.started", "worker.heartbeat").
func (c *Client) PublishEvent(ctx context.Context, routingKey string, body []byte) error {
	return c.publish(ctx, EventsExchange, routingKey, body, amqp.Transient)
}

// PublishControl broadcasts a control message to all workers.
func (c *Client) PublishControl(ctx context.Context, body []byte) error {
	return c.publish(ctx, ControlExchange, "", body, amqp.Transient)
}

// publish publishes a message with retry and exponential backoff
func (c *Client) publish(ctx context.Context, exchange, routingKey string, body []byte, deliveryMode uint8) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3 // default
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.channel.PublishWithContext(
			ctx,
			exchange,
			routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: deliveryMode,
				Timestamp:    time.Now(),
			},
		)

		if err == nil {
			c.logger.Debug("Message published to RabbitMQ",
				slog.String("exchange", exchange),
				slog.String("routing_key", routingKey),
				slog.Int("body_size", len(body)),
			)
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			backoffDelay := time.Duration(float64(baseDelay) * float64(uint(1)<<uint(attempt)))
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", backoffDelay),
				slog.Any("error", err),
			)
			time.Sleep(backoffDelay)
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// ConsumeQueue starts consuming job messages from a named queue with the
// given prefetch count. Acknowledgement is manual.
func (c *Client) ConsumeQueue(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if !c.isConnected {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	messages, err := c.channel.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
	)

	return messages, nil
}

// ConsumeEvents binds an exclusive queue to the events exchange and starts
// consuming deliveries matching the given binding keys (e.g. "task.#").
func (c *Client) ConsumeEvents(consumerTag string, bindingKeys ...string) (<-chan amqp.Delivery, error) {
	return c.consumeExchange(EventsExchange, consumerTag, bindingKeys)
}

// ConsumeControl binds an exclusive queue to the control exchange. Every
// consumer receives every control message.
func (c *Client) ConsumeControl(consumerTag string) (<-chan amqp.Delivery, error) {
	return c.consumeExchange(ControlExchange, consumerTag, []string{""})
}

func (c *Client) consumeExchange(exchange, consumerTag string, bindingKeys []string) (<-chan amqp.Delivery, error) {
	if !c.isConnected {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	// Server-named, exclusive, auto-delete queue: each consumer gets its
	// own copy of the stream and the queue disappears with it.
	q, err := c.channel.QueueDeclare(
		"",    // name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare consumer queue: %w", err)
	}

	for _, key := range bindingKeys {
		if err := c.channel.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind queue to %q with key %q: %w", exchange, key, err)
		}
	}

	messages, err := c.channel.Consume(
		q.Name,      // queue
		consumerTag, // consumer tag
		true,        // auto-ack: delivery is at-least-once end to end anyway
		true,        // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %q: %w", exchange, err)
	}

	c.logger.Info("Started consuming from exchange",
		slog.String("exchange", exchange),
		slog.String("queue", q.Name),
		slog.Any("binding_keys", bindingKeys),
	)

	return messages, nil
}

// QueueStats holds the observable state of a job queue on the broker.
type QueueStats struct {
	Messages  int
	Consumers int
}

// InspectQueue returns the depth and consumer count of a queue using a
// passive declare. A missing queue (e.g. purged or never declared) is
// reported as empty rather than as an error. A throwaway channel is used
// because a failed passive declare closes the channel it ran on.
func (c *Client) InspectQueue(name string) (QueueStats, error) {
	if !c.isConnected {
		return QueueStats{}, fmt.Errorf("not connected to RabbitMQ")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		c.logger.Debug("Queue not found on broker, reporting empty",
			slog.String("queue", name),
			slog.Any("error", err),
		)
		return QueueStats{}, nil
	}

	return QueueStats{Messages: q.Messages, Consumers: q.Consumers}, nil
}

// Ack acknowledges a delivery by tag.
func (c *Client) Ack(deliveryTag uint64) error {
	return c.channel.Ack(deliveryTag, false)
}

// Nack negatively acknowledges a delivery by tag.
func (c *Client) Nack(deliveryTag uint64, requeue bool) error {
	return c.channel.Nack(deliveryTag, false, requeue)
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}

// GetChannel returns the channel for advanced operations
func (c *Client) GetChannel() *amqp.Channel {
	return c.channel
}
