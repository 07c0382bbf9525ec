package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/example/crm-messaging/internal/broker"
	"github.com/example/crm-messaging/internal/models"
)

type publishRecord struct {
	routingKey string
	messageID  string
	body       []byte
	headers    map[string]any
}

type brokerStub struct {
	published []publishRecord
	err       error
}

func (b *brokerStub) Publish(_ context.Context, routingKey, messageID string, body []byte, headers map[string]any) error {
	b.published = append(b.published, publishRecord{
		routingKey: routingKey,
		messageID:  messageID,
		body:       body,
		headers:    headers,
	})
	return b.err
}

func TestPublishEnvelopeCarriesAttemptHeader(t *testing.T) {
	stub := &brokerStub{}
	p := NewPublisher(stub, "crm.outbound")

	env := &models.Envelope{
		ID:        "m-1",
		Kind:      models.KindText,
		Text:      "hi",
		ContactID: "c-1",
	}
	if err := p.PublishEnvelope(context.Background(), env, 2); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(stub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(stub.published))
	}
	rec := stub.published[0]
	if rec.routingKey != "crm.outbound" || rec.messageID != "m-1" {
		t.Fatalf("record = %+v", rec)
	}
	if got := rec.headers[broker.HeaderAttempt]; got != int32(2) {
		t.Fatalf("attempt header = %v (%T), want int32(2)", got, got)
	}

	var decoded models.Envelope
	if err := json.Unmarshal(rec.body, &decoded); err != nil {
		t.Fatalf("body decode: %v", err)
	}
	if decoded.ID != "m-1" || decoded.Text != "hi" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestPublishEnvelopeWrapsBrokerError(t *testing.T) {
	stub := &brokerStub{err: errors.New("channel closed")}
	p := NewPublisher(stub, "crm.outbound")

	err := p.PublishEnvelope(context.Background(), &models.Envelope{ID: "m-1"}, 0)
	if err == nil {
		t.Fatal("expected publish error")
	}
	if !errors.Is(err, stub.err) {
		t.Fatalf("err = %v, want wrapped broker error", err)
	}
}

func TestCollectSinkCopiesEvents(t *testing.T) {
	sink := &CollectSink{}
	sink.Emit(context.Background(), models.StatusEvent{MessageID: "m-1", EventType: models.StatusEventSent})

	events := sink.Events()
	if len(events) != 1 || events[0].MessageID != "m-1" {
		t.Fatalf("events = %+v", events)
	}

	events[0].MessageID = "mutated"
	if sink.Events()[0].MessageID != "m-1" {
		t.Fatal("Events must return a copy")
	}
}
