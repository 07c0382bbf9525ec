package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/crm-messaging/internal/broker"
	"github.com/example/crm-messaging/internal/models"
)

// BrokerPublisher is the minimal publish surface the publisher adapter
// needs from the broker client.
type BrokerPublisher interface {
	Publish(ctx context.Context, routingKey, messageID string, body []byte, headers map[string]any) error
}

// Publisher enqueues envelopes on the outbound queue. It satisfies the
// retry manager's EnvelopePublisher contract and is also what the enqueue
// tooling uses.
type Publisher struct {
	broker BrokerPublisher
	queue  string
}

// NewPublisher constructs a Publisher bound to the outbound routing key.
func NewPublisher(b BrokerPublisher, queue string) *Publisher {
	return &Publisher{broker: b, queue: queue}
}

// PublishEnvelope marshals the envelope and publishes it with its attempt
// counter in the message headers.
func (p *Publisher) PublishEnvelope(ctx context.Context, env *models.Envelope, attempt int) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pipeline: marshal envelope: %w", err)
	}
	headers := map[string]any{broker.HeaderAttempt: int32(attempt)}
	if err := p.broker.Publish(ctx, p.queue, env.ID, body, headers); err != nil {
		return fmt.Errorf("pipeline: publish envelope %s: %w", env.ID, err)
	}
	return nil
}
