package edit

import (
	"context"
	"sync"
)

// MockProvider is a test double for Provider.
// Each method can be overridden with a custom function.
// If not overridden, Submit returns "mock-job" and Status reports Pending.
// Thread-safe for use in concurrent tests.
type MockProvider struct {
	SubmitFunc func(ctx context.Context, instruction, imageRef string) (string, error)
	StatusFunc func(ctx context.Context, jobID string) (JobStatus, error)

	mu sync.Mutex

	// Calls tracks all method invocations for assertions
	Calls []MockCall
}

// MockCall records a method call for test assertions.
type MockCall struct {
	Method string
	Args   []any
}

var _ Provider = (*MockProvider)(nil)

func (m *MockProvider) Submit(ctx context.Context, instruction, imageRef string) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "Submit", Args: []any{instruction, imageRef}})
	fn := m.SubmitFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, instruction, imageRef)
	}
	return "mock-job", nil
}

func (m *MockProvider) Status(ctx context.Context, jobID string) (JobStatus, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "Status", Args: []any{jobID}})
	fn := m.StatusFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, jobID)
	}
	return JobStatus{State: JobPending}, nil
}

// CallCount returns how many times method was called.
func (m *MockProvider) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}
