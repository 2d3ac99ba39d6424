// Package testutil provides test doubles for the llm package.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/taskbatch/llm"
)

// MockCompleter is a thread-safe llm.Completer that replays scripted replies.
//
// Usage:
//
//	mock := &MockCompleter{
//	    Responses: []*llm.Response{{Content: `{"tasks":[{"title":"a"}]}`}},
//	}
//
//	// Fail twice, then answer
//	mock := &MockCompleter{
//	    Errs:      []error{errThrottled, errThrottled},
//	    Responses: []*llm.Response{{Content: `{"tasks":[{"title":"a"}]}`}},
//	}
type MockCompleter struct {
	mu sync.Mutex

	// Errs are returned, in order, before any response.
	Errs []error

	// Responses are returned in order once Errs is used up. The last one repeats.
	Responses []*llm.Response

	requests []llm.Request
}

// Complete implements llm.Completer.
func (m *MockCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call := len(m.requests)
	m.requests = append(m.requests, req)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if call < len(m.Errs) {
		return nil, m.Errs[call]
	}
	if len(m.Responses) == 0 {
		return &llm.Response{Model: "test-model"}, nil
	}
	i := min(call-len(m.Errs), len(m.Responses)-1)
	return m.Responses[i], nil
}

// Calls returns the number of Complete calls.
func (m *MockCompleter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received.
func (m *MockCompleter) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}
