// Package pipeline is the lifecycle controller for the delivery system: it
// connects the broker, recovers persisted retries, starts the consumers and
// the connectivity monitor, runs periodic health checks and restarts the
// whole pipeline when the broker connection is lost for good.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/crm-messaging/internal/broker"
	"github.com/example/crm-messaging/internal/connectivity"
	"github.com/example/crm-messaging/internal/dedup"
	"github.com/example/crm-messaging/internal/models"
	"github.com/example/crm-messaging/internal/notify"
	"github.com/example/crm-messaging/internal/processor"
	"github.com/example/crm-messaging/internal/retry"
)

// ErrRestartsExhausted is returned when the pipeline could not be kept
// running within the restart budget.
var ErrRestartsExhausted = errors.New("pipeline: restart budget exhausted")

const (
	defaultHealthInterval = 30 * time.Second
	defaultMaxRestarts    = 5
	defaultRestartDelay   = 5 * time.Second
)

// EventHandler processes one deduplicated webhook event.
type EventHandler func(ctx context.Context, event models.WebhookEvent) error

// Broker is the messaging surface the manager drives. *broker.Client
// satisfies it.
type Broker interface {
	Connect(ctx context.Context) error
	Consume(ctx context.Context, queue string, handler broker.Handler) error
	Ping() error
	QueueInfo(queue string) (broker.QueueStats, error)
}

// Config tunes the pipeline manager.
type Config struct {
	OutboundQueue  string
	InboundQueue   string
	WebhookQueue   string
	HealthInterval time.Duration
	MaxRestarts    int
	RestartDelay   time.Duration
}

// Dependencies collects the components the manager orchestrates.
type Dependencies struct {
	Broker    Broker
	Retries   *retry.Manager
	Processor *processor.Processor
	Dedup     *dedup.Cache
	Monitor   *connectivity.Monitor
	Notifier  notify.Notifier
	Logger    zerolog.Logger

	// InboundHandler and WebhookHandler receive accepted events. Both are
	// optional; the default handlers log and acknowledge.
	InboundHandler EventHandler
	WebhookHandler EventHandler
}

// Manager runs the delivery pipeline.
type Manager struct {
	cfg    Config
	deps   Dependencies
	logger zerolog.Logger
}

// NewManager constructs a pipeline Manager.
func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	if deps.Broker == nil {
		return nil, errors.New("pipeline: broker dependency is required")
	}
	if deps.Retries == nil {
		return nil, errors.New("pipeline: retry manager dependency is required")
	}
	if deps.Processor == nil {
		return nil, errors.New("pipeline: processor dependency is required")
	}
	if cfg.OutboundQueue == "" {
		return nil, errors.New("pipeline: outbound queue is required")
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = defaultMaxRestarts
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	return &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "pipeline_manager").Logger(),
	}, nil
}

// Run starts the pipeline and keeps it alive until the context is cancelled.
// Fatal broker errors tear the pipeline down and trigger a bounded number of
// restarts; exhausting the budget raises a critical alert and returns.
func (m *Manager) Run(ctx context.Context) error {
	restarts := 0
	for {
		err := m.runOnce(ctx)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}

		restarts++
		m.logger.Error().
			Err(err).
			Int("restart", restarts).
			Msg("pipeline stopped on fatal error")

		if restarts > m.cfg.MaxRestarts {
			m.alert(ctx, notify.Alert{
				Severity: notify.SeverityCritical,
				Title:    "delivery pipeline down",
				Body:     fmt.Sprintf("pipeline failed after %d restarts: %v", restarts-1, err),
			})
			return fmt.Errorf("%w: %v", ErrRestartsExhausted, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.RestartDelay):
		}
	}
}

// runOnce brings up one incarnation of the pipeline and blocks until a
// component fails fatally or the context ends.
func (m *Manager) runOnce(ctx context.Context) error {
	if err := m.deps.Broker.Connect(ctx); err != nil {
		return err
	}
	if err := m.deps.Retries.Recover(ctx); err != nil {
		m.logger.Error().Err(err).Msg("retry recovery failed, continuing without recovered timers")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		m.deps.Retries.Start(groupCtx)
		return groupCtx.Err()
	})

	group.Go(func() error {
		return m.deps.Broker.Consume(groupCtx, m.cfg.OutboundQueue, m.deps.Processor.Handle)
	})

	if m.cfg.WebhookQueue != "" {
		group.Go(func() error {
			return m.deps.Broker.Consume(groupCtx, m.cfg.WebhookQueue, m.webhookHandler())
		})
	}
	if m.cfg.InboundQueue != "" {
		group.Go(func() error {
			return m.deps.Broker.Consume(groupCtx, m.cfg.InboundQueue, m.inboundHandler())
		})
	}

	if m.deps.Monitor != nil {
		group.Go(func() error {
			err := m.deps.Monitor.Run(groupCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	group.Go(func() error {
		return m.healthLoop(groupCtx)
	})

	m.logger.Info().Msg("pipeline started")
	err := group.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// webhookHandler deduplicates inbound webhook events before delegating.
// Duplicates are acknowledged silently; suppression is not an error.
func (m *Manager) webhookHandler() broker.Handler {
	handler := m.deps.WebhookHandler
	return func(ctx context.Context, d broker.Delivery) error {
		var event models.WebhookEvent
		if err := json.Unmarshal(d.Body, &event); err != nil {
			return fmt.Errorf("pipeline: decode webhook event: %w", err)
		}
		if m.deps.Dedup != nil && !m.deps.Dedup.ShouldProcess(event.Type, event.Instance, event.Payload) {
			return nil
		}
		if handler == nil {
			m.logger.Debug().
				Str("event", event.Type).
				Str("instance", event.Instance).
				Msg("webhook event accepted")
			return nil
		}
		return handler(ctx, event)
	}
}

func (m *Manager) inboundHandler() broker.Handler {
	handler := m.deps.InboundHandler
	return func(ctx context.Context, d broker.Delivery) error {
		var event models.WebhookEvent
		if err := json.Unmarshal(d.Body, &event); err != nil {
			return fmt.Errorf("pipeline: decode inbound event: %w", err)
		}
		if handler == nil {
			m.logger.Debug().
				Str("event", event.Type).
				Str("instance", event.Instance).
				Msg("inbound event accepted")
			return nil
		}
		return handler(ctx, event)
	}
}

// healthLoop periodically verifies broker connectivity, logs queue depth and
// garbage-collects the dedup cache. A dead broker connection fails the loop
// so the restart logic can rebuild the pipeline.
func (m *Manager) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := m.deps.Broker.Ping(); err != nil {
			return fmt.Errorf("pipeline: health check: %w", err)
		}

		for _, queue := range []string{m.cfg.OutboundQueue, m.cfg.InboundQueue, m.cfg.WebhookQueue} {
			if queue == "" {
				continue
			}
			stats, err := m.deps.Broker.QueueInfo(queue)
			if err != nil {
				m.logger.Warn().Err(err).Str("queue", queue).Msg("queue stats unavailable")
				continue
			}
			m.logger.Debug().
				Str("queue", stats.Queue).
				Int("messages", stats.Messages).
				Int("consumers", stats.Consumers).
				Int("pending_retries", m.deps.Retries.PendingCount()).
				Msg("queue health")
		}

		if m.deps.Dedup != nil {
			m.deps.Dedup.Sweep()
		}
	}
}

func (m *Manager) alert(ctx context.Context, alert notify.Alert) {
	if m.deps.Notifier == nil {
		return
	}
	if err := m.deps.Notifier.Alert(ctx, alert); err != nil {
		m.logger.Error().Err(err).Msg("failed to deliver pipeline alert")
	}
}
