package provider

import (
	"context"
	"fmt"
	"sync"
)

// MockCall records one delivery attempt made against the mock provider.
type MockCall struct {
	Instance string
	Number   string
	Text     string
	Media    *MediaMessage
}

// MockResult scripts one response from the mock provider.
type MockResult struct {
	Result *SendResult
	Err    error
}

// MockProvider is a deterministic Provider for tests. Responses are consumed
// from the scripted list in order; when the script runs out the last entry is
// repeated.
type MockProvider struct {
	mu      sync.Mutex
	script  []MockResult
	calls   []MockCall
	counter int
}

// NewMockProvider constructs a MockProvider with the supplied script.
func NewMockProvider(script ...MockResult) *MockProvider {
	return &MockProvider{script: script}
}

// SendText implements Provider.
func (m *MockProvider) SendText(_ context.Context, instance, number, text string) (*SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Instance: instance, Number: number, Text: text})
	return m.next()
}

// SendMedia implements Provider.
func (m *MockProvider) SendMedia(_ context.Context, instance string, msg MediaMessage) (*SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	media := msg
	m.calls = append(m.calls, MockCall{Instance: instance, Number: msg.Number, Media: &media})
	return m.next()
}

func (m *MockProvider) next() (*SendResult, error) {
	if len(m.script) == 0 {
		m.counter++
		return &SendResult{ID: fmt.Sprintf("mock-%d", m.counter), Status: "sent"}, nil
	}
	idx := m.counter
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	m.counter++
	res := m.script[idx]
	return res.Result, res.Err
}

// Calls returns a copy of the recorded calls.
func (m *MockProvider) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many sends were attempted.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var _ Provider = (*MockProvider)(nil)
