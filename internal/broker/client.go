// Package broker wraps the AMQP transport the pipeline publishes to and
// consumes from. Every queue is declared with a message TTL and a dead letter
// companion; TTL expiry and negative acknowledgements both route into the
// DLQ, which is the final net behind the application-level retry manager.
package broker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrBrokerUnavailable is returned when reconnect attempts are exhausted.
// It is fatal to the consuming component and must reach the orchestrator.
var ErrBrokerUnavailable = errors.New("broker: transport unavailable")

// Header keys attached to published envelopes.
const (
	HeaderAttempt     = "x-attempt"
	HeaderContentType = "content-type"
)

// QueueSpec declares one queue and its TTL.
type QueueSpec struct {
	Name string
	TTL  time.Duration
}

// DLQName returns the dead letter queue name for a queue.
func DLQName(queue string) string {
	return queue + ".dlq"
}

// Config carries the broker connection settings.
type Config struct {
	URL                  string
	Exchange             string
	Prefetch             int
	ReconnectMaxAttempts int
	ReconnectStep        time.Duration
	PublishTimeout       time.Duration
	ConsumeBackoff       time.Duration
	Queues               []QueueSpec
}

// QueueStats mirrors the broker-side view of one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// Delivery is one message handed to a consumer handler.
type Delivery struct {
	Body      []byte
	MessageID string
	Headers   map[string]any
	Redeliver bool
}

// Attempt extracts the attempt counter header, defaulting to zero.
func (d Delivery) Attempt() int {
	switch v := d.Headers[HeaderAttempt].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Handler processes one delivery. A nil return acknowledges the message; an
// error negatively acknowledges it without requeue, routing it to the DLQ.
type Handler func(ctx context.Context, d Delivery) error

// Client is the AMQP broker client. One Client owns one connection; publish
// channels are pooled, each consumer runs on its own channel.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection

	pool *channelPool
}

// NewClient constructs a Client. Connect must be called before use.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("broker: url is required")
	}
	if cfg.Exchange == "" {
		return nil, errors.New("broker: exchange is required")
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	if cfg.ReconnectMaxAttempts < 1 {
		cfg.ReconnectMaxAttempts = 10
	}
	if cfg.ReconnectStep <= 0 {
		cfg.ReconnectStep = 2 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.ConsumeBackoff <= 0 {
		cfg.ConsumeBackoff = time.Second
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "broker").Logger(),
	}
	c.pool = newChannelPool(c.connection, c.logger)
	return c, nil
}

// Connect establishes the AMQP connection, retrying with a linearly
// increasing delay up to the configured attempt bound, and declares the
// exchange/queue topology.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.reconnect(ctx); err != nil {
		return err
	}
	return c.declareTopology()
}

// connection returns the live connection, re-dialing once if it dropped.
func (c *Client) connection() (*amqp.Connection, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil && !conn.IsClosed() {
		return conn, nil
	}
	return c.reconnect(context.Background())
}

// reconnect dials until a connection is established or attempts run out.
// The delay grows linearly with the attempt number.
func (c *Client) reconnect(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ReconnectMaxAttempts; attempt++ {
		conn, err := amqp.Dial(c.cfg.URL)
		if err == nil {
			c.conn = conn
			c.logger.Info().Int("attempt", attempt).Msg("broker connection established")
			return conn, nil
		}
		lastErr = err
		delay := time.Duration(attempt) * c.cfg.ReconnectStep
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("next_delay", delay).
			Msg("broker connection failed")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("%w: %d attempts exhausted: %v", ErrBrokerUnavailable, c.cfg.ReconnectMaxAttempts, lastErr)
}

// queueArgs builds the declaration arguments for one queue: expired or
// nacked messages are routed to the dead letter exchange under the queue's
// own routing key.
func queueArgs(dlx string, q QueueSpec) amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": q.Name,
	}
	if q.TTL > 0 {
		args["x-message-ttl"] = q.TTL.Milliseconds()
	}
	return args
}

// declareTopology declares the topic exchange, the dead letter exchange and
// every configured queue with its TTL and DLQ binding.
func (c *Client) declareTopology() error {
	ch, err := c.pool.rent()
	if err != nil {
		return fmt.Errorf("broker: rent channel for topology: %w", err)
	}
	defer c.pool.giveBack(ch)

	dlx := c.cfg.Exchange + ".dlx"
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(dlx, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare dead letter exchange: %w", err)
	}

	for _, q := range c.cfg.Queues {
		dlq := DLQName(q.Name)
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("broker: declare dlq %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, q.Name, dlx, false, nil); err != nil {
			return fmt.Errorf("broker: bind dlq %s: %w", dlq, err)
		}

		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, queueArgs(dlx, q)); err != nil {
			return fmt.Errorf("broker: declare queue %s: %w", q.Name, err)
		}
		if err := ch.QueueBind(q.Name, q.Name, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("broker: bind queue %s: %w", q.Name, err)
		}
	}
	return nil
}

// Publish sends a persistent message to the exchange under the routing key.
// If the transport dropped, one reconnect is attempted before the call
// fails; errors always surface synchronously to the caller.
func (c *Client) Publish(ctx context.Context, routingKey, messageID string, body []byte, headers map[string]any) error {
	err := c.publishOnce(ctx, routingKey, messageID, body, headers)
	if err == nil {
		return nil
	}
	c.logger.Warn().Err(err).Str("routing_key", routingKey).Msg("publish failed, reattempting after reconnect")

	if _, rerr := c.reconnect(ctx); rerr != nil {
		return rerr
	}
	if err := c.publishOnce(ctx, routingKey, messageID, body, headers); err != nil {
		return fmt.Errorf("broker: publish to %s: %w", routingKey, err)
	}
	return nil
}

func (c *Client) publishOnce(ctx context.Context, routingKey, messageID string, body []byte, headers map[string]any) error {
	ch, err := c.pool.rent()
	if err != nil {
		return err
	}
	defer c.pool.giveBack(ch)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}

	return ch.PublishWithContext(ctx, c.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		MessageId:    messageID,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      table,
	})
}

// Consume registers a handler for a queue and blocks until the context is
// cancelled or reconnect attempts are exhausted. Handler errors and panics
// are negative acknowledgements without requeue; the loop itself never
// crashes on a handler failure.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) error {
	if handler == nil {
		return errors.New("broker: handler is required")
	}
	log := c.logger.With().Str("queue", queue).Logger()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.reconnect(ctx)
		if err != nil {
			return err
		}

		err = c.consumeSession(ctx, conn, queue, handler, log)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errors.Is(err, ErrBrokerUnavailable) {
			return err
		}
		log.Warn().Err(err).Msg("consume session ended, reconnecting")

		// Channel-level failures can leave the connection healthy, so
		// pause between sessions instead of spinning on channel opens.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ConsumeBackoff):
		}
	}
}

func (c *Client) consumeSession(ctx context.Context, conn *amqp.Connection, queue string, handler Handler, log zerolog.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: open consume channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("broker: set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: start consume: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("broker: channel closed")
			}
			return fmt.Errorf("broker: channel closed: %v", amqpErr)
		case msg, ok := <-deliveries:
			if !ok {
				return errors.New("broker: delivery channel closed")
			}
			c.handleDelivery(ctx, msg, handler, log)
		}
	}
}

// handleDelivery invokes the handler exactly once per delivered message and
// settles the delivery. No two messages from one queue are processed
// concurrently by the same consumer.
func (c *Client) handleDelivery(ctx context.Context, msg amqp.Delivery, handler Handler, log zerolog.Logger) {
	d := Delivery{
		Body:      msg.Body,
		MessageID: msg.MessageId,
		Headers:   map[string]any(msg.Headers),
		Redeliver: msg.Redelivered,
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("broker: handler panic: %v", r)
			}
		}()
		return handler(ctx, d)
	}()

	if err != nil {
		log.Warn().Err(err).Str("message_id", d.MessageID).Msg("handler failed, routing to dead letter queue")
		if nackErr := msg.Nack(false, false); nackErr != nil {
			log.Error().Err(nackErr).Str("message_id", d.MessageID).Msg("failed to nack delivery")
		}
		return
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		log.Error().Err(ackErr).Str("message_id", d.MessageID).Msg("failed to ack delivery")
	}
}

// QueueInfo reports broker-side statistics for a queue.
func (c *Client) QueueInfo(queue string) (QueueStats, error) {
	ch, err := c.pool.rent()
	if err != nil {
		return QueueStats{}, err
	}
	defer c.pool.giveBack(ch)

	q, err := ch.QueueInspect(queue)
	if err != nil {
		return QueueStats{}, fmt.Errorf("broker: inspect queue %s: %w", queue, err)
	}
	return QueueStats{Queue: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// Purge drops all ready messages from a queue and returns how many were
// removed. Administrative use only.
func (c *Client) Purge(queue string) (int, error) {
	ch, err := c.pool.rent()
	if err != nil {
		return 0, err
	}
	defer c.pool.giveBack(ch)

	n, err := ch.QueuePurge(queue, false)
	if err != nil {
		return 0, fmt.Errorf("broker: purge queue %s: %w", queue, err)
	}
	return n, nil
}

// Ping verifies the connection is alive.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return ErrBrokerUnavailable
	}
	return nil
}

// Close tears down the channel pool and the connection.
func (c *Client) Close() error {
	c.pool.dispose()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("broker: close connection: %w", err)
		}
	}
	return nil
}
