package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumerSpec defines one task consumer: a queue bound to the task exchange
// with a DLX/TTL retry stage and a bounded attempt count.
type ConsumerSpec struct {
	Name       string
	Queue      string
	BindingKey string
	Prefetch   int

	Consume func(ctx context.Context, d amqp.Delivery) error
}

// RunConsumers declares the topology for each spec and starts its delivery
// loop. It returns after all consumers are started; they stop with ctx.
func (c *Client) RunConsumers(ctx context.Context, specs ...ConsumerSpec) error {
	for _, spec := range specs {
		if err := c.startConsumer(ctx, spec); err != nil {
			return fmt.Errorf("start consumer %s: %w", spec.Name, err)
		}
	}
	return nil
}

func (c *Client) startConsumer(ctx context.Context, spec ConsumerSpec) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}

	prefetch := spec.Prefetch
	if prefetch <= 0 {
		prefetch = c.cfg.Prefetch
		if prefetch <= 0 {
			prefetch = 1
		}
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	if err := c.declareTopology(ch, spec); err != nil {
		_ = ch.Close()
		return err
	}

	deliveries, err := ch.Consume(spec.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			_ = ch.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				c.handleDelivery(ctx, ch, spec, d)
			}
		}
	}()

	c.logger.Info("consumer started",
		slog.String("name", spec.Name),
		slog.String("queue", spec.Queue),
		slog.Int("prefetch", prefetch))
	return nil
}

func (c *Client) handleDelivery(ctx context.Context, ch *amqp.Channel, spec ConsumerSpec, d amqp.Delivery) {
	if attempts := deathCount(d, spec.Queue); attempts >= c.cfg.MaxAttempts {
		c.logger.Warn("task attempts exhausted",
			slog.String("queue", spec.Queue),
			slog.Int("attempts", attempts))
		_ = d.Ack(false)
		return
	}

	err := spec.Consume(ctx, d)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrPoison):
		c.logger.Warn("dropping poison task",
			slog.String("queue", spec.Queue),
			slog.Any("error", err))
		_ = d.Ack(false)
	default:
		c.logger.Error("task failed, scheduling retry",
			slog.String("queue", spec.Queue),
			slog.Any("error", err))
		// Nack without requeue dead-letters into the TTL retry queue, which
		// routes the task back here after the configured delay.
		_ = d.Nack(false, false)
	}
}

// declareTopology declares the main queue dead-lettering into a TTL retry
// queue that routes expired tasks back to the task exchange.
func (c *Client) declareTopology(ch *amqp.Channel, spec ConsumerSpec) error {
	deadExchange := spec.Queue + ".retry"
	deadQueue := spec.Queue + ".retry"

	mainArgs := amqp.Table{"x-dead-letter-exchange": deadExchange}
	if _, err := ch.QueueDeclare(spec.Queue, true, false, false, false, mainArgs); err != nil {
		return err
	}
	if err := ch.QueueBind(spec.Queue, spec.BindingKey, c.cfg.Exchange, false, nil); err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(deadExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	retryArgs := amqp.Table{
		"x-message-ttl":             int32(c.cfg.RetryDelayDuration() / time.Millisecond),
		"x-dead-letter-exchange":    c.cfg.Exchange,
		"x-dead-letter-routing-key": spec.BindingKey,
	}
	if _, err := ch.QueueDeclare(deadQueue, true, false, false, false, retryArgs); err != nil {
		return err
	}
	return ch.QueueBind(deadQueue, "", deadExchange, false, nil)
}

// deathCount reads how many times this delivery already died on our queue
// from the broker's x-death header.
func deathCount(d amqp.Delivery, queue string) int {
	raw, ok := d.Headers["x-death"]
	if !ok {
		return 0
	}
	deaths, ok := raw.([]any)
	if !ok {
		return 0
	}
	for _, entry := range deaths {
		table, ok := entry.(amqp.Table)
		if !ok {
			continue
		}
		if name, _ := table["queue"].(string); name != queue {
			continue
		}
		switch count := table["count"].(type) {
		case int64:
			return int(count)
		case int32:
			return int(count)
		case int:
			return count
		}
	}
	return 0
}
