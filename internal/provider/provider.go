// Package provider abstracts the WhatsApp gateway the pipeline delivers
// through. A send is successful only when the gateway returns a usable
// message identifier; everything else is a classified failure.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/crm-messaging/internal/models"
)

// ErrTransient and ErrPermanent are the sentinel errors used to classify
// delivery failures. Transient failures are retried per backoff policy;
// permanent failures go straight to the dead letter store.
var (
	ErrTransient = errors.New("transient delivery error")
	ErrPermanent = errors.New("permanent delivery error")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// SendResult is the normalized successful gateway response.
type SendResult struct {
	// ID is the provider-assigned message identifier. Always non-empty on a
	// successful send.
	ID     string
	Status string
	Raw    string
}

// MediaMessage carries everything the gateway needs to deliver one media
// message.
type MediaMessage struct {
	Number   string
	Kind     models.MessageKind
	URL      string
	Caption  string
	MimeType string
	FileName string
}

// Provider is the delivery capability consumed by the outbound processor.
type Provider interface {
	SendText(ctx context.Context, instance, number, text string) (*SendResult, error)
	SendMedia(ctx context.Context, instance string, msg MediaMessage) (*SendResult, error)
}
