// Package dedup collapses bursts of duplicate inbound webhook events into a
// single processed occurrence. The upstream gateway redelivers events freely,
// especially presence and connection-state updates, so every inbound event
// passes through this cache before it reaches a processing pipeline.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Well-known webhook event types.
const (
	EventConnectionUpdate = "connection.update"
	EventPresenceUpdate   = "presence.update"
	EventMessagesUpsert   = "messages.upsert"
	EventChatsUpsert      = "chats.upsert"
	EventChatsUpdate      = "chats.update"
	EventQRCodeUpdated    = "qrcode.updated"
)

const (
	defaultBaseTTL    = 60 * time.Second
	defaultMaxEntries = 10000
	connectionTTL     = 5 * time.Second
	aggressiveTTL     = 10 * time.Second
	messagesTTL       = 60 * time.Second
)

// neverFilter lists event types that are never suppressed: losing one of
// these is worse than processing it twice.
var neverFilter = map[string]struct{}{
	EventChatsUpsert: {},
	EventChatsUpdate: {},
}

// aggressive lists event types that get a short suppression window because
// the gateway redelivers them in tight bursts.
var aggressive = map[string]struct{}{
	EventPresenceUpdate: {},
	EventQRCodeUpdated:  {},
}

type entry struct {
	firstSeen time.Time
	lastSeen  time.Time
	count     int
}

// Stats reports cache counters for observability.
type Stats struct {
	Entries    int
	Suppressed int64
	Accepted   int64
}

// Option customises the cache at construction time.
type Option func(*Cache)

// WithBaseTTL overrides the base TTL the per-type windows derive from.
func WithBaseTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.baseTTL = ttl
		}
	}
}

// WithMaxEntries bounds the cache size before a sweep is triggered.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithClock swaps the clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache is the webhook deduplication cache. It is process-local state owned
// by the webhook consumer; a multi-instance deployment needs external
// coordination, which is out of scope here.
type Cache struct {
	logger     zerolog.Logger
	baseTTL    time.Duration
	maxEntries int
	now        func() time.Time

	mu         sync.Mutex
	entries    map[string]*entry
	suppressed int64
	accepted   int64
}

// NewCache constructs a deduplication cache.
func NewCache(logger zerolog.Logger, opts ...Option) *Cache {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	c := &Cache{
		logger:     logger.With().Str("component", "dedup_cache").Logger(),
		baseTTL:    defaultBaseTTL,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// ShouldProcess reports whether the event should be handled. The first
// occurrence inside a window returns true; repeats within the type-specific
// TTL are suppressed. A hit past the TTL resets the window as if the event
// were new, so the first-seen stamp is overwritten rather than extended.
func (c *Cache) ShouldProcess(eventType, instance string, payload map[string]any) bool {
	if _, ok := neverFilter[eventType]; ok {
		return true
	}

	key := c.key(eventType, instance, payload)
	ttl := c.ttlFor(eventType)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if now.Sub(e.firstSeen) < ttl {
			e.count++
			e.lastSeen = now
			c.suppressed++
			c.logger.Debug().
				Str("event", eventType).
				Str("instance", instance).
				Int("occurrences", e.count).
				Msg("duplicate event suppressed")
			return false
		}
		// Window expired: reset, do not extend.
		e.firstSeen = now
		e.lastSeen = now
		e.count = 1
		c.accepted++
		return true
	}

	if len(c.entries) >= c.maxEntries {
		c.sweepLocked(now)
	}

	c.entries[key] = &entry{firstSeen: now, lastSeen: now, count: 1}
	c.accepted++
	return true
}

// ttlFor returns the suppression window for one event type.
func (c *Cache) ttlFor(eventType string) time.Duration {
	switch {
	case eventType == EventConnectionUpdate:
		return connectionTTL
	case eventType == EventMessagesUpsert:
		return messagesTTL
	default:
		if _, ok := aggressive[eventType]; ok {
			return aggressiveTTL
		}
		return c.baseTTL / 2
	}
}

// key computes the discriminating hash for an event. Each type keys on the
// field that actually distinguishes occurrences; everything else keys on the
// whole payload.
func (c *Cache) key(eventType, instance string, payload map[string]any) string {
	var discriminator string
	switch eventType {
	case EventConnectionUpdate:
		discriminator = stringField(payload, "state")
	case EventPresenceUpdate:
		discriminator = stringField(payload, "id")
	case EventMessagesUpsert:
		discriminator = messageID(payload)
		if discriminator == "" {
			// No provider id: hash the payload so distinct id-less events do
			// not collapse into each other.
			discriminator = payloadHash(payload)
		}
	default:
		discriminator = payloadHash(payload)
	}

	sum := sha256.Sum256([]byte(strings.Join([]string{eventType, instance, discriminator}, "|")))
	return hex.EncodeToString(sum[:16])
}

// sweepLocked removes entries whose last-seen age exceeds twice the base TTL.
// Callers must hold c.mu.
func (c *Cache) sweepLocked(now time.Time) {
	cutoff := now.Add(-2 * c.baseTTL)
	removed := 0
	for key, e := range c.entries {
		if e.lastSeen.Before(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Int("remaining", len(c.entries)).Msg("dedup cache sweep")
	}
}

// Sweep runs garbage collection immediately. The pipeline calls this from
// its periodic health check.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Suppressed: c.suppressed, Accepted: c.accepted}
}

func stringField(payload map[string]any, field string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[field].(string); ok {
		return v
	}
	return ""
}

// messageID digs the provider-assigned message id out of a messages.upsert
// payload, which nests it under key.id in the gateway's format.
func messageID(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if key, ok := payload["key"].(map[string]any); ok {
		if id, ok := key["id"].(string); ok {
			return id
		}
	}
	return stringField(payload, "id")
}

// payloadHash produces a stable hash of the full payload. Keys are sorted so
// map iteration order cannot change the hash.
func payloadHash(payload map[string]any) string {
	if len(payload) == 0 {
		return "empty"
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		raw, err := json.Marshal(payload[k])
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", payload[k]))
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(raw)
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
