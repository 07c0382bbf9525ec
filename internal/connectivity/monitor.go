// Package connectivity probes webhook and delivery endpoints and keeps a
// circuit breaker per endpoint so the pipeline stops spending effort on
// targets that are known to be down.
package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/example/crm-messaging/internal/notify"
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 60 * time.Second
	defaultProbeTimeout     = 5 * time.Second
	defaultProbeInterval    = 30 * time.Second
	defaultAutoFixDelay     = 10 * time.Second
)

// Status is the per-endpoint reachability record.
type Status struct {
	Endpoint            string    `json:"endpoint"`
	Reachable           bool      `json:"reachable"`
	LastChecked         time.Time `json:"last_checked"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CircuitOpen         bool      `json:"circuit_open"`
}

// HTTPClient abstracts the probe transport for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option customises the monitor.
type Option func(*Monitor)

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.failureThreshold = n
		}
	}
}

// WithCooldown sets how long an open circuit blocks probes.
func WithCooldown(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithProbeTimeout bounds individual probes.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithProbeInterval sets the cadence of the monitor loop.
func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeInterval = d
		}
	}
}

// WithAutoFixDelay sets the wait before the auto-fix retry probe.
func WithAutoFixDelay(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.autoFixDelay = d
		}
	}
}

// WithHTTPClient overrides the probe client.
func WithHTTPClient(client HTTPClient) Option {
	return func(m *Monitor) {
		if client != nil {
			m.client = client
		}
	}
}

// WithClock swaps the clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// Monitor owns the per-endpoint circuit breakers and the periodic probe loop.
type Monitor struct {
	logger   zerolog.Logger
	notifier notify.Notifier
	client   HTTPClient
	now      func() time.Time

	failureThreshold int
	cooldown         time.Duration
	probeTimeout     time.Duration
	probeInterval    time.Duration
	autoFixDelay     time.Duration

	mu       sync.Mutex
	statuses map[string]*Status
}

// NewMonitor constructs a Monitor for the given endpoints.
func NewMonitor(endpoints []string, notifier notify.Notifier, logger zerolog.Logger, opts ...Option) *Monitor {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	m := &Monitor{
		logger:           logger.With().Str("component", "connectivity_monitor").Logger(),
		notifier:         notifier,
		now:              time.Now,
		failureThreshold: defaultFailureThreshold,
		cooldown:         defaultCooldown,
		probeTimeout:     defaultProbeTimeout,
		probeInterval:    defaultProbeInterval,
		autoFixDelay:     defaultAutoFixDelay,
		statuses:         make(map[string]*Status),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: m.probeTimeout}
	}
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep != "" {
			m.statuses[ep] = &Status{Endpoint: ep, Reachable: true}
		}
	}
	return m
}

// Run drives the periodic probe loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	m.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every registered endpoint respecting open circuits.
func (m *Monitor) CheckAll(ctx context.Context) {
	for _, ep := range m.endpoints() {
		m.Check(ctx, ep)
	}
}

// Check probes a single endpoint. While the circuit is open and the cooldown
// has not elapsed the probe is skipped and the endpoint is assumed down; the
// first check after the cooldown goes through as a half-open probe.
func (m *Monitor) Check(ctx context.Context, endpoint string) Status {
	m.mu.Lock()
	st, ok := m.statuses[endpoint]
	if !ok {
		st = &Status{Endpoint: endpoint, Reachable: true}
		m.statuses[endpoint] = st
	}
	now := m.now()
	if st.CircuitOpen && now.Sub(st.LastChecked) <= m.cooldown {
		snapshot := *st
		m.mu.Unlock()
		m.logger.Debug().Str("endpoint", endpoint).Msg("circuit open, probe skipped")
		return snapshot
	}
	m.mu.Unlock()

	reachable := m.probe(ctx, endpoint)

	m.mu.Lock()
	st.LastChecked = m.now()
	st.Reachable = reachable
	opened := false
	if reachable {
		st.ConsecutiveFailures = 0
		st.CircuitOpen = false
	} else {
		st.ConsecutiveFailures++
		if st.ConsecutiveFailures >= m.failureThreshold && !st.CircuitOpen {
			st.CircuitOpen = true
			opened = true
			m.logger.Warn().
				Str("endpoint", endpoint).
				Int("failures", st.ConsecutiveFailures).
				Msg("circuit opened for endpoint")
		}
	}
	snapshot := *st
	m.mu.Unlock()

	// Sustained unreachability of a local endpoint is something this
	// process can try to heal; remote endpoints are their owners' problem.
	if opened && isLocalEndpoint(endpoint) {
		if err := m.AutoFix(ctx, endpoint); err == nil {
			if cur, ok := m.StatusOf(endpoint); ok {
				snapshot = cur
			}
		}
	}
	return snapshot
}

// probe performs a bounded reachability check. Any response with a status
// below 500 counts as reachable: the endpoint answered, which is all the
// breaker tracks.
func (m *Monitor) probe(ctx context.Context, endpoint string) bool {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < 500
}

// AutoFix handles sustained unreachability for local endpoints: wait a fixed
// delay, retry once, and alert if the endpoint is still down. Non-local
// endpoints are left to their owners.
func (m *Monitor) AutoFix(ctx context.Context, endpoint string) error {
	if !isLocalEndpoint(endpoint) {
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.autoFixDelay), 1),
		ctx,
	)
	err := backoff.Retry(func() error {
		if m.probe(ctx, endpoint) {
			return nil
		}
		return fmt.Errorf("endpoint %s still unreachable", endpoint)
	}, policy)
	if err == nil {
		m.mu.Lock()
		if st, ok := m.statuses[endpoint]; ok {
			st.Reachable = true
			st.ConsecutiveFailures = 0
			st.CircuitOpen = false
			st.LastChecked = m.now()
		}
		m.mu.Unlock()
		m.logger.Info().Str("endpoint", endpoint).Msg("endpoint recovered after auto-fix")
		return nil
	}

	if m.notifier != nil {
		alertErr := m.notifier.Alert(ctx, notify.Alert{
			Severity: notify.SeverityCritical,
			Title:    "local endpoint unreachable",
			Body:     err.Error(),
			Fields:   map[string]string{"endpoint": endpoint},
		})
		if alertErr != nil {
			m.logger.Error().Err(alertErr).Msg("failed to deliver connectivity alert")
		}
	}
	return err
}

// StatusOf returns the current status for one endpoint.
func (m *Monitor) StatusOf(endpoint string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[endpoint]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Statuses returns a snapshot of every endpoint status.
func (m *Monitor) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, *st)
	}
	return out
}

func (m *Monitor) endpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.statuses))
	for ep := range m.statuses {
		out = append(out, ep)
	}
	return out
}

func isLocalEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
