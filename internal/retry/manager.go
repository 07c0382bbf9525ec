// Package retry owns the backoff policy and the dead-letter transition for
// outbound messages. State is a per-message-id machine: retrying -> dlq,
// with dlq terminal. Scheduling is durable: every retry is persisted with
// its next-retry time before the in-memory timer is armed, so in-flight
// retries survive a process restart.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/crm-messaging/internal/models"
	"github.com/example/crm-messaging/internal/notify"
	"github.com/example/crm-messaging/internal/store"
)

// ErrNoDeadLetter is returned when a reprocess targets an id without a dead
// letter record.
var ErrNoDeadLetter = errors.New("retry: no dead letter record for id")

// ErrNoRetryRecord is returned when an abandon targets an id without an
// active retry record.
var ErrNoRetryRecord = errors.New("retry: no active retry record for id")

// EnvelopePublisher re-enqueues an envelope on the outbound queue with its
// attempt counter attached.
type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, env *models.Envelope, attempt int) error
}

// StatusSink receives typed lifecycle events instead of inline log lines so
// tests can assert on what the manager emitted.
type StatusSink interface {
	Emit(ctx context.Context, event models.StatusEvent)
}

// Dependencies collects the collaborators the manager requires.
type Dependencies struct {
	Store     store.DocumentStore
	Publisher EnvelopePublisher
	Notifier  notify.Notifier
	Sink      StatusSink
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Manager is the retry manager. One instance owns all retry bookkeeping for
// the process; it must be constructed once at startup and injected, never
// reached through a global.
type Manager struct {
	policy    *Policy
	store     store.DocumentStore
	publisher EnvelopePublisher
	notifier  notify.Notifier
	sink      StatusSink
	logger    zerolog.Logger
	now       func() time.Time
	sched     *scheduler
}

// NewManager constructs a Manager with the supplied policy and collaborators.
func NewManager(policy *Policy, deps Dependencies) (*Manager, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	policy.normalize()
	if deps.Store == nil {
		return nil, errors.New("retry: store dependency is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("retry: publisher dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "retry_manager").Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	m := &Manager{
		policy:    policy,
		store:     deps.Store,
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		sink:      normalizeSink(deps.Sink),
		logger:    logger,
		now:       nowFunc,
	}
	m.sched = newScheduler(nowFunc, m.fire)
	return m, nil
}

// Start runs the scheduler loop until the context is cancelled. Pending
// timers are implicitly cancelled on shutdown; Recover re-arms them on the
// next start.
func (m *Manager) Start(ctx context.Context) {
	m.sched.run(ctx)
}

// Policy exposes the active backoff policy.
func (m *Manager) Policy() *Policy { return m.policy }

// HandleFailure records one delivery failure for the envelope. prevAttempt
// is the number of failures before this one; when the new total reaches the
// retry budget the message is dead-lettered, otherwise a backoff retry is
// persisted and scheduled. Scheduling replaces any pending timer for the
// same id, so two overlapping retries can never exist.
func (m *Manager) HandleFailure(ctx context.Context, env *models.Envelope, prevAttempt int, cause error) error {
	attempt := prevAttempt + 1
	now := m.now()
	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}

	firstFailedAt := now
	var existing models.RetryRecord
	if err := m.store.Get(ctx, models.CollectionRetries, env.ID, &existing); err == nil && !existing.FirstFailedAt.IsZero() {
		firstFailedAt = existing.FirstFailedAt
	}

	if attempt >= m.policy.MaxRetries {
		return m.deadLetter(ctx, env, attempt, causeText, firstFailedAt, now)
	}

	delay := m.policy.Delay(attempt - 1)
	due := now.Add(delay)

	record := models.RetryRecord{
		MessageID:     env.ID,
		Envelope:      *env,
		Attempt:       attempt,
		LastError:     causeText,
		NextRetryAt:   due,
		Status:        models.RetryStatusRetrying,
		FirstFailedAt: firstFailedAt,
		UpdatedAt:     now,
	}
	if err := m.store.Add(ctx, models.CollectionRetries, env.ID, record); err != nil {
		return fmt.Errorf("retry: persist retry record: %w", err)
	}

	m.sched.schedule(env.ID, due)
	m.emit(ctx, models.StatusEvent{
		MessageID: env.ID,
		EventType: models.StatusEventRetryScheduled,
		Attempt:   attempt,
		Error:     causeText,
		Timestamp: now,
	})
	m.logger.Info().
		Str("message_id", env.ID).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("retry scheduled")
	return nil
}

// DeadLetterNow moves the envelope straight to the dead letter store without
// consuming the retry budget. Used for failures classified as permanent.
func (m *Manager) DeadLetterNow(ctx context.Context, env *models.Envelope, failures int, cause error) error {
	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	now := m.now()
	firstFailedAt := now
	var existing models.RetryRecord
	if err := m.store.Get(ctx, models.CollectionRetries, env.ID, &existing); err == nil && !existing.FirstFailedAt.IsZero() {
		firstFailedAt = existing.FirstFailedAt
	}
	if failures < 1 {
		failures = 1
	}
	return m.deadLetter(ctx, env, failures, causeText, firstFailedAt, now)
}

// deadLetter persists the terminal record, clears scheduling state and
// raises the operator alert. Exactly one dead letter exists per message id;
// a second exhaustion for the same id is a no-op.
func (m *Manager) deadLetter(ctx context.Context, env *models.Envelope, failures int, causeText string, firstFailedAt, now time.Time) error {
	m.sched.cancel(env.ID)

	var existing models.DeadLetter
	if err := m.store.Get(ctx, models.CollectionDeadLetters, env.ID, &existing); err == nil && existing.ID != "" {
		// A reprocessed message can exhaust its budget a second time. The
		// dead letter stays as-is, but the retry record must still leave
		// the retrying state or recovery would re-publish it forever.
		m.logger.Warn().
			Str("message_id", env.ID).
			Int("failures", failures).
			Msg("message dead-lettered again, keeping original dead letter record")
		m.markRetryTerminal(ctx, env, failures, causeText, firstFailedAt, now)
		return nil
	}

	dl := models.DeadLetter{
		ID:            env.ID,
		Envelope:      *env,
		Reason:        causeText,
		FailureCount:  failures,
		FirstFailedAt: firstFailedAt,
		LastFailedAt:  now,
		DeadAt:        now,
	}
	if err := m.store.Add(ctx, models.CollectionDeadLetters, env.ID, dl); err != nil {
		return fmt.Errorf("retry: persist dead letter: %w", err)
	}

	m.markRetryTerminal(ctx, env, failures, causeText, firstFailedAt, now)

	m.emit(ctx, models.StatusEvent{
		MessageID: env.ID,
		EventType: models.StatusEventDLQ,
		Attempt:   failures,
		Error:     causeText,
		Timestamp: now,
	})
	m.logger.Error().
		Str("message_id", env.ID).
		Int("failures", failures).
		Str("reason", causeText).
		Msg("message dead-lettered")

	if m.notifier != nil {
		err := m.notifier.Alert(ctx, notify.Alert{
			Severity: notify.SeverityCritical,
			Title:    "message delivery failed permanently",
			Body:     causeText,
			Fields: map[string]string{
				"message_id": env.ID,
				"contact_id": env.ContactID,
				"failures":   fmt.Sprintf("%d", failures),
			},
			RaisedAt: now,
		})
		if err != nil {
			m.logger.Error().Err(err).Str("message_id", env.ID).Msg("failed to deliver dead letter alert")
		}
	}
	return nil
}

// markRetryTerminal moves the retry record into the terminal dlq state so
// neither the scheduler nor recovery will touch the message again.
func (m *Manager) markRetryTerminal(ctx context.Context, env *models.Envelope, failures int, causeText string, firstFailedAt, now time.Time) {
	record := models.RetryRecord{
		MessageID:     env.ID,
		Envelope:      *env,
		Attempt:       failures,
		LastError:     causeText,
		Status:        models.RetryStatusDLQ,
		FirstFailedAt: firstFailedAt,
		UpdatedAt:     now,
	}
	if err := m.store.Add(ctx, models.CollectionRetries, env.ID, record); err != nil {
		m.logger.Error().Err(err).Str("message_id", env.ID).Msg("failed to mark retry record as dlq")
	}
}

// Clear removes retry bookkeeping for a message that was delivered.
func (m *Manager) Clear(ctx context.Context, messageID string) error {
	m.sched.cancel(messageID)
	if err := m.store.Delete(ctx, models.CollectionRetries, messageID); err != nil {
		return fmt.Errorf("retry: clear record: %w", err)
	}
	return nil
}

// Abandon cancels a pending retry and marks the record abandoned. Operator
// action for messages that should not be delivered after all; only records
// still in the retrying state can be abandoned.
func (m *Manager) Abandon(ctx context.Context, messageID string) error {
	var record models.RetryRecord
	if err := m.store.Get(ctx, models.CollectionRetries, messageID, &record); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoRetryRecord
		}
		return fmt.Errorf("retry: load retry record: %w", err)
	}
	if record.Status != models.RetryStatusRetrying {
		return ErrNoRetryRecord
	}

	m.sched.cancel(messageID)
	patch := map[string]any{
		"status":     models.RetryStatusAbandoned,
		"updated_at": m.now(),
	}
	if err := m.store.Update(ctx, models.CollectionRetries, messageID, patch); err != nil {
		return fmt.Errorf("retry: mark record abandoned: %w", err)
	}
	m.logger.Info().Str("message_id", messageID).Msg("retry abandoned by operator")
	return nil
}

// HasPending reports whether a retry timer is armed for the id. Used by the
// health check and tests.
func (m *Manager) HasPending(messageID string) bool {
	return m.sched.has(messageID)
}

// PendingCount reports the number of armed retry timers.
func (m *Manager) PendingCount() int {
	return m.sched.pendingCount()
}

// fire re-publishes the envelope for one due retry. The persisted record is
// the source of truth; a record that vanished or left the retrying state is
// skipped.
func (m *Manager) fire(ctx context.Context, messageID string) {
	var record models.RetryRecord
	if err := m.store.Get(ctx, models.CollectionRetries, messageID, &record); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error().Err(err).Str("message_id", messageID).Msg("failed to load retry record for due timer")
		}
		return
	}
	if record.Status != models.RetryStatusRetrying {
		return
	}

	if err := m.publisher.PublishEnvelope(ctx, &record.Envelope, record.Attempt); err != nil {
		m.logger.Error().Err(err).Str("message_id", messageID).Msg("failed to re-publish retry, re-arming timer")
		m.sched.schedule(messageID, m.now().Add(m.policy.BaseDelay))
		return
	}
	m.logger.Info().
		Str("message_id", messageID).
		Int("attempt", record.Attempt).
		Msg("retry re-published to outbound queue")
}

// Recover re-arms scheduling for retry records left over from an unclean
// shutdown. Overdue records are re-published immediately; future ones get
// their timer back.
func (m *Manager) Recover(ctx context.Context) error {
	raws, err := m.store.Query(ctx, models.CollectionRetries, store.Filter{"status": models.RetryStatusRetrying})
	if err != nil {
		return fmt.Errorf("retry: recovery query: %w", err)
	}
	now := m.now()
	recovered := 0
	for _, raw := range raws {
		var record models.RetryRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			m.logger.Error().Err(err).Msg("skipping undecodable retry record during recovery")
			continue
		}
		if record.NextRetryAt.After(now) {
			m.sched.schedule(record.MessageID, record.NextRetryAt)
		} else {
			m.sched.schedule(record.MessageID, now)
		}
		recovered++
	}
	if recovered > 0 {
		m.logger.Info().Int("records", recovered).Msg("recovered pending retries from store")
	}
	return nil
}

// Reprocess re-enters a dead-lettered message into the retrying pipeline at
// attempt zero. The dead letter record itself stays untouched; it is the
// permanent audit trail.
func (m *Manager) Reprocess(ctx context.Context, messageID string) error {
	var dl models.DeadLetter
	if err := m.store.Get(ctx, models.CollectionDeadLetters, messageID, &dl); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoDeadLetter
		}
		return fmt.Errorf("retry: load dead letter: %w", err)
	}

	now := m.now()
	record := models.RetryRecord{
		MessageID:     messageID,
		Envelope:      dl.Envelope,
		Attempt:       0,
		Status:        models.RetryStatusRetrying,
		NextRetryAt:   now,
		FirstFailedAt: now,
		UpdatedAt:     now,
	}
	if err := m.store.Add(ctx, models.CollectionRetries, messageID, record); err != nil {
		return fmt.Errorf("retry: persist reprocess record: %w", err)
	}

	if err := m.publisher.PublishEnvelope(ctx, &dl.Envelope, 0); err != nil {
		return fmt.Errorf("retry: re-publish dead letter: %w", err)
	}

	m.emit(ctx, models.StatusEvent{
		MessageID: messageID,
		EventType: models.StatusEventReprocessed,
		Timestamp: now,
	})
	m.logger.Info().Str("message_id", messageID).Msg("dead letter manually reprocessed")
	return nil
}

func (m *Manager) emit(ctx context.Context, event models.StatusEvent) {
	if m.sink == nil {
		return
	}
	m.sink.Emit(ctx, event)
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
