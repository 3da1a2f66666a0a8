package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/aiori-io/aiori/internal/common/config"
	apperrors "github.com/aiori-io/aiori/internal/common/errors"
	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/metrics"
)

// NATSBus implements Bus using NATS
type NATSBus struct {
	conn   *nats.Conn
	pool   *dispatchPool
	logger *logger.Logger
	config config.NATSConfig
}

// NewNATSBus connects to NATS with reconnection logic. Reconnects
// re-arm existing subscriptions on the server side; subscribers notice
// nothing.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	bus := &NATSBus{
		logger: log,
		config: cfg,
		pool:   newDispatchPool(cfg.WorkerPoolSize, cfg.WorkerQueueSize, log),
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		// Connection status handlers
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Error("NATS error", zap.Error(err), zap.String("subject", sub.Subject))
			} else {
				log.Error("NATS error", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, apperrors.BusUnavailable(fmt.Errorf("failed to connect to NATS: %w", err))
	}

	bus.conn = conn
	log.Info("Connected to NATS", zap.String("url", cfg.URL))

	return bus, nil
}

// Publish sends a payload to a subject. A broken connection surfaces
// as BusUnavailable; the caller decides whether to retry.
func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if !b.IsConnected() {
		return apperrors.BusUnavailable(fmt.Errorf("publish to %s: %w", subject, ErrClosed))
	}

	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("Failed to publish message",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return apperrors.BusUnavailable(fmt.Errorf("failed to publish to %s: %w", subject, err))
	}

	b.logger.Debug("Published message",
		zap.String("subject", subject),
		zap.Int("bytes", len(data)),
	)

	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, b.createMsgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return &natsSubscription{sub: sub}, nil
}

// QueueSubscribe creates a queue subscription for load balancing
func (b *NATSBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, b.createMsgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", subject, err)
	}

	b.logger.Debug("Queue subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue),
	)
	return &natsSubscription{sub: sub}, nil
}

// createMsgHandler bridges a NATS delivery into the dispatch pool so
// the connection reader never runs application code.
func (b *NATSBus) createMsgHandler(handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		m := &Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data}
		if !b.pool.submit(handler, m) {
			b.logger.Warn("Dispatch queue full, dropping message",
				zap.String("subject", msg.Subject),
			)
			metrics.BusDroppedMessages.WithLabelValues(msg.Subject).Inc()
		}
	}
}

// Request sends a request and waits for a response (with timeout)
func (b *NATSBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*Message, error) {
	msg, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		b.logger.Error("Request failed",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return nil, fmt.Errorf("request to %s failed: %w", subject, err)
	}

	return &Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data}, nil
}

// Close drains the NATS connection gracefully and stops the dispatch pool
func (b *NATSBus) Close() {
	if b.conn != nil {
		// Drain will process pending messages before closing
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("Error draining NATS connection", zap.Error(err))
			// Fall back to regular close
			b.conn.Close()
		}
		b.logger.Info("NATS connection closed")
	}
	b.pool.close()
}

// IsConnected returns whether the NATS connection is active
func (b *NATSBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}

// natsSubscription wraps a NATS subscription
type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe removes the subscription
func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// IsValid returns whether the subscription is still active
func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}
