package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/crm-messaging/internal/broker"
	"github.com/example/crm-messaging/internal/dedup"
	"github.com/example/crm-messaging/internal/models"
	"github.com/example/crm-messaging/internal/notify"
	"github.com/example/crm-messaging/internal/processor"
	"github.com/example/crm-messaging/internal/provider"
	"github.com/example/crm-messaging/internal/retry"
	"github.com/example/crm-messaging/internal/store"
)

type transportStub struct {
	mu         sync.Mutex
	connects   int
	connectErr error
	pingErr    error
}

func (s *transportStub) Connect(context.Context) error {
	s.mu.Lock()
	s.connects++
	s.mu.Unlock()
	return s.connectErr
}

func (s *transportStub) Consume(ctx context.Context, _ string, _ broker.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *transportStub) Ping() error {
	return s.pingErr
}

func (s *transportStub) QueueInfo(queue string) (broker.QueueStats, error) {
	return broker.QueueStats{Queue: queue}, nil
}

func (s *transportStub) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *alertRecorder) Alert(_ context.Context, alert notify.Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.mu.Unlock()
	return nil
}

type nopPublisher struct{}

func (nopPublisher) PublishEnvelope(context.Context, *models.Envelope, int) error {
	return nil
}

func newTestManager(t *testing.T, cfg Config, deps Dependencies) *Manager {
	t.Helper()
	st := store.NewMemoryStore()
	retries, err := retry.NewManager(nil, retry.Dependencies{Store: st, Publisher: nopPublisher{}})
	if err != nil {
		t.Fatalf("retry manager: %v", err)
	}
	proc, err := processor.New(processor.Config{}, processor.Dependencies{
		Store:    st,
		Provider: provider.NewMockProvider(),
		Retries:  retries,
	})
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	if deps.Broker == nil {
		deps.Broker = &transportStub{}
	}
	deps.Retries = retries
	deps.Processor = proc
	if cfg.OutboundQueue == "" {
		cfg.OutboundQueue = "crm.outbound"
	}
	m, err := NewManager(cfg, deps)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestRunReturnsAfterRestartBudget(t *testing.T) {
	stub := &transportStub{connectErr: errors.New("broker unreachable")}
	alerts := &alertRecorder{}
	m := newTestManager(t, Config{MaxRestarts: 2, RestartDelay: time.Millisecond}, Dependencies{
		Broker:   stub,
		Notifier: alerts,
	})

	err := m.Run(context.Background())
	if !errors.Is(err, ErrRestartsExhausted) {
		t.Fatalf("err = %v, want ErrRestartsExhausted", err)
	}
	if got := stub.connectCount(); got != 3 {
		t.Fatalf("connect attempts = %d, want 3", got)
	}
	if len(alerts.alerts) != 1 || alerts.alerts[0].Severity != notify.SeverityCritical {
		t.Fatalf("alerts = %+v, want one critical alert", alerts.alerts)
	}
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	stub := &transportStub{}
	m := newTestManager(t, Config{HealthInterval: time.Hour, WebhookQueue: "crm.webhooks"}, Dependencies{
		Broker: stub,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := stub.connectCount(); got != 1 {
		t.Fatalf("connect attempts = %d, want 1", got)
	}
}

func TestWebhookHandlerSuppressesDuplicates(t *testing.T) {
	var mu sync.Mutex
	var handled []models.WebhookEvent
	m := newTestManager(t, Config{}, Dependencies{
		Dedup: dedup.NewCache(zerolog.Nop()),
		WebhookHandler: func(_ context.Context, event models.WebhookEvent) error {
			mu.Lock()
			handled = append(handled, event)
			mu.Unlock()
			return nil
		},
	})

	body, err := json.Marshal(models.WebhookEvent{
		Type:     "messages.upsert",
		Instance: "wa-1",
		Payload:  map[string]any{"id": "evt-1"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	handler := m.webhookHandler()
	for i := 0; i < 2; i++ {
		if err := handler(context.Background(), broker.Delivery{Body: body}); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	if len(handled) != 1 {
		t.Fatalf("handled = %d events, want 1 after duplicate suppression", len(handled))
	}
}

func TestWebhookHandlerRejectsUndecodablePayload(t *testing.T) {
	m := newTestManager(t, Config{}, Dependencies{})
	handler := m.webhookHandler()

	if err := handler(context.Background(), broker.Delivery{Body: []byte("not json")}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestHealthLoopFailsWhenBrokerPingFails(t *testing.T) {
	stub := &transportStub{pingErr: errors.New("connection closed")}
	m := newTestManager(t, Config{HealthInterval: 5 * time.Millisecond}, Dependencies{Broker: stub})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.healthLoop(ctx)
	if !errors.Is(err, stub.pingErr) {
		t.Fatalf("err = %v, want wrapped ping error", err)
	}
}
