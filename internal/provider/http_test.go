package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/crm-messaging/internal/models"
	"github.com/example/crm-messaging/internal/provider"
)

func newGateway(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *provider.HTTPProvider) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := provider.NewHTTPProvider(srv.URL, "secret-key", zerolog.Nop())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return srv, p
}

func TestSendTextParsesTopLevelID(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	_, p := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "prov-123", "status": "PENDING"})
	})

	res, err := p.SendText(context.Background(), "main", "+15551234567", "hello")
	if err != nil {
		t.Fatalf("send text: %v", err)
	}
	if res.ID != "prov-123" || res.Status != "PENDING" {
		t.Fatalf("result = %+v", res)
	}
	if gotPath != "/message/sendText/main" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotKey != "secret-key" {
		t.Fatalf("apikey header = %q", gotKey)
	}
	if gotBody["number"] != "+15551234567" || gotBody["text"] != "hello" {
		t.Fatalf("request body = %v", gotBody)
	}
}

func TestSendTextParsesNestedKeyID(t *testing.T) {
	_, p := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"key": map[string]any{"id": "prov-nested"}})
	})

	res, err := p.SendText(context.Background(), "main", "+15551234567", "hello")
	if err != nil {
		t.Fatalf("send text: %v", err)
	}
	if res.ID != "prov-nested" {
		t.Fatalf("id = %q, want prov-nested", res.ID)
	}
}

func TestSendMediaBuildsGatewayPayload(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	_, p := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "prov-media"})
	})

	_, err := p.SendMedia(context.Background(), "main", provider.MediaMessage{
		Number:   "+15551234567",
		Kind:     models.KindImage,
		URL:      "https://cdn.example.com/pic.jpg",
		Caption:  "look at this",
		MimeType: "image/jpeg",
	})
	if err != nil {
		t.Fatalf("send media: %v", err)
	}
	if gotPath != "/message/sendMedia/main" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody["mediatype"] != "image" || gotBody["media"] != "https://cdn.example.com/pic.jpg" {
		t.Fatalf("request body = %v", gotBody)
	}
	if gotBody["caption"] != "look at this" {
		t.Fatalf("caption missing from body %v", gotBody)
	}
}

func TestSendMediaRejectsNonMediaKind(t *testing.T) {
	_, p := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "never"})
	})

	_, err := p.SendMedia(context.Background(), "main", provider.MediaMessage{Kind: models.KindText})
	if !errors.Is(err, provider.ErrPermanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	_, p := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	_, err := p.SendText(context.Background(), "main", "+15551234567", "hello")
	if !errors.Is(err, provider.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestClientErrorIsPermanent(t *testing.T) {
	_, p := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unknown number", http.StatusBadRequest)
	})

	_, err := p.SendText(context.Background(), "main", "+15551234567", "hello")
	if !errors.Is(err, provider.ErrPermanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestMissingMessageIDIsTransient(t *testing.T) {
	_, p := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "PENDING"})
	})

	_, err := p.SendText(context.Background(), "main", "+15551234567", "hello")
	if !errors.Is(err, provider.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestMalformedResponseIsTransient(t *testing.T) {
	_, p := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	})

	_, err := p.SendText(context.Background(), "main", "+15551234567", "hello")
	if !errors.Is(err, provider.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestTransportFailureIsTransient(t *testing.T) {
	srv, p := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {})
	srv.Close()

	_, err := p.SendText(context.Background(), "main", "+15551234567", "hello")
	if !errors.Is(err, provider.ErrTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}
