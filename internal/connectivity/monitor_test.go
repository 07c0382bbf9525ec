package connectivity

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/crm-messaging/internal/notify"
)

type probeClient struct {
	mu     sync.Mutex
	status []int // scripted status codes, <0 means transport error
	calls  int
}

func (p *probeClient) Do(req *http.Request) (*http.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.status) {
		idx = len(p.status) - 1
	}
	p.calls++
	code := p.status[idx]
	if code < 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func (p *probeClient) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (a *alertRecorder) Alert(_ context.Context, alert notify.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *alertRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const probeTarget = "http://gateway.example.com/health"

func newTestMonitor(client HTTPClient, notifier notify.Notifier, opts ...Option) (*Monitor, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append(opts, WithHTTPClient(client), WithClock(clock.Now))
	return NewMonitor([]string{probeTarget}, notifier, zerolog.Nop(), opts...), clock
}

func TestCheckMarksReachableOnAnyAnsweredStatus(t *testing.T) {
	for _, code := range []int{200, 301, 404} {
		client := &probeClient{status: []int{code}}
		m, _ := newTestMonitor(client, nil)
		st := m.Check(context.Background(), probeTarget)
		if !st.Reachable {
			t.Fatalf("status %d should count as reachable", code)
		}
	}
}

func TestCheckMarksServerErrorsUnreachable(t *testing.T) {
	client := &probeClient{status: []int{500}}
	m, _ := newTestMonitor(client, nil)
	st := m.Check(context.Background(), probeTarget)
	if st.Reachable {
		t.Fatal("5xx responses must count as unreachable")
	}
	if st.ConsecutiveFailures != 1 {
		t.Fatalf("failures = %d, want 1", st.ConsecutiveFailures)
	}
}

func TestCircuitOpensAfterThresholdFailures(t *testing.T) {
	client := &probeClient{status: []int{-1}}
	m, clock := newTestMonitor(client, nil)

	var st Status
	for i := 0; i < 5; i++ {
		st = m.Check(context.Background(), probeTarget)
		clock.Advance(time.Second)
	}
	if !st.CircuitOpen {
		t.Fatalf("circuit should open after 5 failures, status %+v", st)
	}
	if st.ConsecutiveFailures != 5 {
		t.Fatalf("failures = %d, want 5", st.ConsecutiveFailures)
	}
}

func TestOpenCircuitSkipsProbesDuringCooldown(t *testing.T) {
	client := &probeClient{status: []int{-1}}
	m, clock := newTestMonitor(client, nil)

	for i := 0; i < 5; i++ {
		m.Check(context.Background(), probeTarget)
	}
	probesBefore := client.callCount()

	clock.Advance(30 * time.Second)
	st := m.Check(context.Background(), probeTarget)
	if client.callCount() != probesBefore {
		t.Fatal("probe fired while the circuit cooldown was still running")
	}
	if st.Reachable {
		t.Fatal("a skipped probe must report the endpoint as down")
	}
}

func TestHalfOpenProbeAfterCooldownClosesCircuitOnSuccess(t *testing.T) {
	client := &probeClient{status: []int{-1, -1, -1, -1, -1, 200}}
	m, clock := newTestMonitor(client, nil)

	for i := 0; i < 5; i++ {
		m.Check(context.Background(), probeTarget)
	}
	clock.Advance(61 * time.Second)

	st := m.Check(context.Background(), probeTarget)
	if !st.Reachable || st.CircuitOpen {
		t.Fatalf("half-open probe success should close the circuit, status %+v", st)
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("failures = %d, want 0 after recovery", st.ConsecutiveFailures)
	}
}

func TestRecoveryResetsFailureStreak(t *testing.T) {
	client := &probeClient{status: []int{-1, -1, 200, -1}}
	m, clock := newTestMonitor(client, nil)

	for i := 0; i < 4; i++ {
		m.Check(context.Background(), probeTarget)
		clock.Advance(time.Second)
	}
	st, ok := m.StatusOf(probeTarget)
	if !ok {
		t.Fatal("status missing for registered endpoint")
	}
	if st.ConsecutiveFailures != 1 {
		t.Fatalf("failures = %d, want 1 after a mid-streak success", st.ConsecutiveFailures)
	}
	if st.CircuitOpen {
		t.Fatal("circuit should not open when the streak resets")
	}
}

func TestCircuitOpenTriggersAutoFixForLocalEndpoint(t *testing.T) {
	client := &probeClient{status: []int{-1, -1, -1, -1, -1, 200}}
	local := "http://localhost:9001/health"
	clock := &testClock{now: time.Now()}
	m := NewMonitor([]string{local}, nil, zerolog.Nop(),
		WithHTTPClient(client), WithClock(clock.Now), WithAutoFixDelay(time.Millisecond))

	var st Status
	for i := 0; i < 5; i++ {
		st = m.Check(context.Background(), local)
	}

	if client.callCount() != 6 {
		t.Fatalf("probes = %d, want 5 checks plus the auto-fix probe", client.callCount())
	}
	if !st.Reachable || st.CircuitOpen || st.ConsecutiveFailures != 0 {
		t.Fatalf("auto-fix recovery not reflected in status: %+v", st)
	}
}

func TestAutoFixFailureOnOpenLocalCircuitRaisesAlert(t *testing.T) {
	client := &probeClient{status: []int{-1}}
	recorder := &alertRecorder{}
	local := "http://localhost:9001/health"
	clock := &testClock{now: time.Now()}
	m := NewMonitor([]string{local}, recorder, zerolog.Nop(),
		WithHTTPClient(client), WithClock(clock.Now), WithAutoFixDelay(time.Millisecond))

	var st Status
	for i := 0; i < 5; i++ {
		st = m.Check(context.Background(), local)
	}

	if !st.CircuitOpen {
		t.Fatalf("circuit should stay open when auto-fix fails: %+v", st)
	}
	if recorder.count() != 1 {
		t.Fatalf("alerts = %d, want 1", recorder.count())
	}
	if client.callCount() != 7 {
		t.Fatalf("probes = %d, want 5 checks plus two auto-fix probes", client.callCount())
	}
}

func TestAutoFixIgnoresRemoteEndpoints(t *testing.T) {
	client := &probeClient{status: []int{-1}}
	recorder := &alertRecorder{}
	m, _ := newTestMonitor(client, recorder, WithAutoFixDelay(time.Millisecond))

	if err := m.AutoFix(context.Background(), probeTarget); err != nil {
		t.Fatalf("remote auto-fix should be a no-op, got %v", err)
	}
	if client.callCount() != 0 {
		t.Fatal("remote endpoints must not be probed by auto-fix")
	}
	if recorder.count() != 0 {
		t.Fatal("no alert expected for remote endpoints")
	}
}

func TestAutoFixAlertsWhenLocalEndpointStaysDown(t *testing.T) {
	client := &probeClient{status: []int{-1}}
	recorder := &alertRecorder{}
	local := "http://localhost:8080/health"
	clock := &testClock{now: time.Now()}
	m := NewMonitor([]string{local}, recorder, zerolog.Nop(),
		WithHTTPClient(client), WithClock(clock.Now), WithAutoFixDelay(time.Millisecond))

	if err := m.AutoFix(context.Background(), local); err == nil {
		t.Fatal("auto-fix should report the endpoint as still down")
	}
	if recorder.count() != 1 {
		t.Fatalf("alerts = %d, want 1", recorder.count())
	}
	if client.callCount() != 2 {
		t.Fatalf("probes = %d, want initial attempt plus one retry", client.callCount())
	}
}

func TestAutoFixClearsStateWhenLocalEndpointRecovers(t *testing.T) {
	client := &probeClient{status: []int{-1, -1, -1, 200}}
	local := "http://127.0.0.1:8080/health"
	clock := &testClock{now: time.Now()}
	m := NewMonitor([]string{local}, nil, zerolog.Nop(),
		WithHTTPClient(client), WithClock(clock.Now), WithAutoFixDelay(time.Millisecond))

	for i := 0; i < 3; i++ {
		m.Check(context.Background(), local)
	}

	if err := m.AutoFix(context.Background(), local); err != nil {
		t.Fatalf("auto-fix should succeed once the endpoint answers, got %v", err)
	}
	st, _ := m.StatusOf(local)
	if !st.Reachable || st.ConsecutiveFailures != 0 || st.CircuitOpen {
		t.Fatalf("status not reset after recovery: %+v", st)
	}
}
