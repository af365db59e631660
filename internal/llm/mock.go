package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for the LLM Client interface. Safe for
// concurrent use; the compressor calls it from several goroutines.
type MockClient struct {
	Response *Response
	Err      error

	// Fn, when set, computes the reply per request and overrides
	// Response and Err.
	Fn func(Request) (*Response, error)

	mu    sync.Mutex
	Calls []Request // records requests sent
}

// Complete records the call and returns the mock response.
func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Fn != nil {
		return m.Fn(req)
	}
	return m.Response, m.Err
}

// CallCount returns the number of requests seen.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
