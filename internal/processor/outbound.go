// Package processor drains the outbound queue and performs actual delivery.
// Broker delivery is at-least-once, so the processor is idempotent per
// message id: redelivered envelopes that already have a sent-record are
// acknowledged and skipped.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/crm-messaging/internal/broker"
	"github.com/example/crm-messaging/internal/models"
	"github.com/example/crm-messaging/internal/provider"
	"github.com/example/crm-messaging/internal/store"
	"github.com/example/crm-messaging/internal/util"
)

// RetryDelegate is the slice of the retry manager the processor drives.
type RetryDelegate interface {
	HandleFailure(ctx context.Context, env *models.Envelope, prevAttempt int, cause error) error
	DeadLetterNow(ctx context.Context, env *models.Envelope, failures int, cause error) error
	Clear(ctx context.Context, messageID string) error
}

// StatusSink receives typed lifecycle events for processed messages.
type StatusSink interface {
	Emit(ctx context.Context, event models.StatusEvent)
}

// Config carries processor settings.
type Config struct {
	// DefaultInstance is used when the envelope metadata does not name the
	// originating messaging instance.
	DefaultInstance string
}

// Dependencies collects the processor's collaborators.
type Dependencies struct {
	Store    store.DocumentStore
	Provider provider.Provider
	Retries  RetryDelegate
	Sink     StatusSink
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Processor consumes outbound envelopes and delivers them through the
// provider, delegating failures to the retry manager.
type Processor struct {
	cfg      Config
	store    store.DocumentStore
	provider provider.Provider
	retries  RetryDelegate
	sink     StatusSink
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs a Processor, validating its dependencies.
func New(cfg Config, deps Dependencies) (*Processor, error) {
	if deps.Store == nil {
		return nil, errors.New("processor: store dependency is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("processor: provider dependency is required")
	}
	if deps.Retries == nil {
		return nil, errors.New("processor: retry dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "outbound_processor").Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Processor{
		cfg:      cfg,
		store:    deps.Store,
		provider: deps.Provider,
		retries:  deps.Retries,
		sink:     normalizeSink(deps.Sink),
		logger:   logger,
		now:      nowFunc,
	}, nil
}

// Handle processes one outbound delivery. A nil return acknowledges the
// message; an error is returned only when the processor could not persist
// the outcome, in which case the broker-side dead letter queue is the
// backstop.
func (p *Processor) Handle(ctx context.Context, d broker.Delivery) error {
	var env models.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		// Nothing to retry without a decodable envelope.
		return fmt.Errorf("processor: decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		p.logger.Warn().Err(err).Str("message_id", env.ID).Msg("discarding structurally invalid envelope")
		if env.ID == "" {
			return err
		}
		return p.retries.DeadLetterNow(ctx, &env, d.Attempt()+1, err)
	}

	attempt := d.Attempt()
	log := p.logger.With().Str("message_id", env.ID).Int("attempt", attempt).Logger()

	// Idempotency: broker redelivery of an already-sent message is dropped.
	var sent models.SentRecord
	err := p.store.Get(ctx, models.CollectionSent, env.ID, &sent)
	if err == nil {
		log.Debug().Msg("envelope already marked sent, skipping redelivery")
		p.emit(ctx, models.StatusEvent{
			MessageID: env.ID,
			EventType: models.StatusEventDuplicate,
			Timestamp: p.now(),
		})
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		// Store hiccup on the idempotency read: fail the delivery so it
		// lands in the queue's dead letter backstop rather than risking a
		// double send decision.
		return fmt.Errorf("processor: idempotency check: %w", err)
	}

	contact, err := p.resolveContact(ctx, env.ContactID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// No contact will ever appear for this id; retrying is wasted
			// effort, so classify as permanent.
			err = provider.WrapPermanent(fmt.Errorf("contact %s not found", env.ContactID))
		}
		if errors.Is(err, provider.ErrPermanent) {
			log.Warn().Err(err).Msg("contact unusable, dead-lettering without retries")
			p.emitFailed(ctx, env.ID, attempt, err)
			return p.retries.DeadLetterNow(ctx, &env, attempt+1, err)
		}
		p.emitFailed(ctx, env.ID, attempt, err)
		return p.failTransient(ctx, &env, attempt, fmt.Errorf("resolve contact: %w", err))
	}

	p.emit(ctx, models.StatusEvent{
		MessageID: env.ID,
		EventType: models.StatusEventAttempt,
		Attempt:   attempt + 1,
		Timestamp: p.now(),
	})

	result, err := p.deliver(ctx, &env, contact)
	if err != nil {
		log.Warn().Err(err).Msg("provider delivery failed")
		p.emitFailed(ctx, env.ID, attempt, err)
		if errors.Is(err, provider.ErrPermanent) {
			return p.retries.DeadLetterNow(ctx, &env, attempt+1, err)
		}
		return p.failTransient(ctx, &env, attempt, err)
	}

	record := models.SentRecord{
		MessageID:  env.ID,
		ProviderID: result.ID,
		Instance:   p.instanceFor(&env),
		ContactID:  env.ContactID,
		SentAt:     p.now(),
	}
	if err := p.store.Add(ctx, models.CollectionSent, env.ID, record); err != nil {
		// The message is out; losing the sent-record risks one duplicate
		// send on redelivery, which beats dead-lettering a delivered
		// message.
		log.Error().Err(err).Msg("failed to persist sent record for delivered message")
	}
	if err := p.retries.Clear(ctx, env.ID); err != nil {
		log.Error().Err(err).Msg("failed to clear retry bookkeeping after delivery")
	}

	p.emit(ctx, models.StatusEvent{
		MessageID:  env.ID,
		EventType:  models.StatusEventSent,
		Attempt:    attempt + 1,
		ProviderID: result.ID,
		Timestamp:  p.now(),
	})
	log.Info().Str("provider_id", result.ID).Msg("message delivered")
	return nil
}

// failTransient hands the envelope to the retry manager. Only a failure to
// persist the retry state propagates to the broker.
func (p *Processor) failTransient(ctx context.Context, env *models.Envelope, prevAttempt int, cause error) error {
	if err := p.retries.HandleFailure(ctx, env, prevAttempt, cause); err != nil {
		return fmt.Errorf("processor: delegate failure: %w", err)
	}
	return nil
}

func (p *Processor) resolveContact(ctx context.Context, contactID string) (*models.Contact, error) {
	var contact models.Contact
	if err := p.store.Get(ctx, models.CollectionContacts, contactID, &contact); err != nil {
		return nil, err
	}
	number, err := util.NormalizeE164(contact.Number)
	if err != nil {
		return nil, provider.WrapPermanent(fmt.Errorf("contact %s: %w", contactID, err))
	}
	contact.Number = number
	return &contact, nil
}

// deliver builds the provider call for the envelope kind and invokes the
// gateway. A result without a provider message id never reaches here; the
// provider classifies that as a failure.
func (p *Processor) deliver(ctx context.Context, env *models.Envelope, contact *models.Contact) (*provider.SendResult, error) {
	instance := p.instanceFor(env)
	if contact.Instance != "" {
		instance = contact.Instance
	}

	if env.Kind == models.KindText {
		return p.provider.SendText(ctx, instance, contact.Number, env.Text)
	}
	return p.provider.SendMedia(ctx, instance, provider.MediaMessage{
		Number:   contact.Number,
		Kind:     env.Kind,
		URL:      env.Media.URL,
		Caption:  env.Media.Caption,
		MimeType: env.Media.MimeType,
		FileName: env.Media.FileName,
	})
}

func (p *Processor) instanceFor(env *models.Envelope) string {
	if inst := env.Instance(); inst != "" {
		return inst
	}
	return p.cfg.DefaultInstance
}

func (p *Processor) emitFailed(ctx context.Context, messageID string, attempt int, cause error) {
	p.emit(ctx, models.StatusEvent{
		MessageID: messageID,
		EventType: models.StatusEventFailed,
		Attempt:   attempt + 1,
		Error:     cause.Error(),
		Timestamp: p.now(),
	})
}

func (p *Processor) emit(ctx context.Context, event models.StatusEvent) {
	if p.sink == nil {
		return
	}
	p.sink.Emit(ctx, event)
}

// normalizeSink collapses a typed-nil sink stored in the interface to a
// plain nil so emit's guard holds.
func normalizeSink(sink StatusSink) StatusSink {
	if sink == nil {
		return nil
	}
	if v := reflect.ValueOf(sink); v.Kind() == reflect.Ptr && v.IsNil() {
		return nil
	}
	return sink
}
