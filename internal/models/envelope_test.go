package models

import (
	"errors"
	"testing"
	"time"
)

func validText() *Envelope {
	return &Envelope{
		ID:        "m-1",
		Kind:      KindText,
		Text:      "hello",
		ContactID: "c-1",
		CreatedAt: time.Now().UnixMilli(),
	}
}

func TestValidateAcceptsWellFormedEnvelopes(t *testing.T) {
	env := validText()
	if err := env.Validate(); err != nil {
		t.Fatalf("text envelope: %v", err)
	}

	for _, kind := range []MessageKind{KindImage, KindVideo, KindAudio, KindDocument} {
		env := validText()
		env.Kind = kind
		env.Text = ""
		env.Media = &MediaRef{URL: "https://cdn.example.com/file"}
		if err := env.Validate(); err != nil {
			t.Fatalf("%s envelope: %v", kind, err)
		}
	}
}

func TestValidateRejectsMalformedEnvelopes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing id", func(e *Envelope) { e.ID = "  " }},
		{"missing contact", func(e *Envelope) { e.ContactID = "" }},
		{"text without body", func(e *Envelope) { e.Text = "" }},
		{"unknown kind", func(e *Envelope) { e.Kind = "sticker" }},
		{"media without ref", func(e *Envelope) { e.Kind = KindImage; e.Media = nil }},
		{"media without url", func(e *Envelope) { e.Kind = KindImage; e.Media = &MediaRef{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := validText()
			tc.mutate(env)
			err := env.Validate()
			if !errors.Is(err, ErrInvalidEnvelope) {
				t.Fatalf("err = %v, want ErrInvalidEnvelope", err)
			}
		})
	}
}

func TestIsMedia(t *testing.T) {
	if (&Envelope{Kind: KindText}).IsMedia() {
		t.Fatal("text is not media")
	}
	if !(&Envelope{Kind: KindDocument}).IsMedia() {
		t.Fatal("document is media")
	}
}

func TestInstanceReadsMetadata(t *testing.T) {
	env := validText()
	if env.Instance() != "" {
		t.Fatal("instance should be empty without metadata")
	}
	env.Metadata = map[string]string{"instance": "branch-2"}
	if env.Instance() != "branch-2" {
		t.Fatalf("instance = %q", env.Instance())
	}
}
