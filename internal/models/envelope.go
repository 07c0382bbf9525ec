package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageKind enumerates the payload kinds an envelope can carry.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
)

// ErrInvalidEnvelope is returned when an envelope fails structural validation.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// MediaRef points at an externally stored media object attached to an envelope.
type MediaRef struct {
	URL      string `json:"url"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// Envelope is the canonical outbound message record flowing through the
// pipeline. It is created when a human or agent composes a reply and consumed
// by the outbound processor; the broker may redeliver it, so every consumer
// must treat processing as at-least-once.
type Envelope struct {
	ID        string            `json:"id"`
	Kind      MessageKind       `json:"kind"`
	Text      string            `json:"text,omitempty"`
	Media     *MediaRef         `json:"media,omitempty"`
	TicketID  string            `json:"ticket_id"`
	ContactID string            `json:"contact_id"`
	UserID    string            `json:"user_id,omitempty"`
	CreatedAt int64             `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsMedia reports whether the envelope carries a media payload.
func (e *Envelope) IsMedia() bool {
	switch e.Kind {
	case KindImage, KindVideo, KindAudio, KindDocument:
		return true
	default:
		return false
	}
}

// CreatedTime converts the epoch-millisecond creation stamp to a time.Time.
func (e *Envelope) CreatedTime() time.Time {
	return time.UnixMilli(e.CreatedAt)
}

// Instance returns the originating messaging instance recorded in the
// envelope metadata, if any.
func (e *Envelope) Instance() string {
	return e.Metadata["instance"]
}

// Validate performs structural validation of the envelope. The payload must
// be coherent with the declared kind: text envelopes carry text, media
// envelopes carry a media reference with a URL.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: envelope is nil", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.ContactID) == "" {
		return fmt.Errorf("%w: contact id is required", ErrInvalidEnvelope)
	}
	switch e.Kind {
	case KindText:
		if strings.TrimSpace(e.Text) == "" {
			return fmt.Errorf("%w: text envelope requires text content", ErrInvalidEnvelope)
		}
	case KindImage, KindVideo, KindAudio, KindDocument:
		if e.Media == nil || strings.TrimSpace(e.Media.URL) == "" {
			return fmt.Errorf("%w: %s envelope requires a media url", ErrInvalidEnvelope, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}
