package runtime

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that Mock implements Runtime.
var _ Runtime = (*Mock)(nil)

// Mock is a configurable in-memory Runtime for tests. It records every
// Execute call and supports custom behavior via function fields.
type Mock struct {
	// TypeName is the value returned by Name(). Defaults to "mock".
	TypeName string

	// ExecuteFunc, when set, handles Execute. Otherwise Execute returns a
	// default success result with "mock output".
	ExecuteFunc func(ctx context.Context, req Request) (*Result, error)

	// AvailableErr is returned by CheckAvailable. Nil means available.
	AvailableErr error

	// Caps overrides the reported capabilities when non-nil.
	Caps *Capabilities

	mu    sync.Mutex
	calls []Request
}

// NewMock creates a Mock with default success behavior.
func NewMock(name string) *Mock {
	return &Mock{TypeName: name}
}

// Name returns the mock's type identifier.
func (m *Mock) Name() string {
	if m.TypeName == "" {
		return "mock"
	}
	return m.TypeName
}

// Capabilities returns Caps when set, otherwise an everything-on record.
func (m *Mock) Capabilities() Capabilities {
	if m.Caps != nil {
		return *m.Caps
	}
	return Capabilities{
		SupportsStreaming:        true,
		SupportsTokenTracking:    true,
		SupportsMCP:              true,
		SupportsContextReduction: true,
	}
}

// CheckAvailable returns AvailableErr.
func (m *Mock) CheckAvailable() error { return m.AvailableErr }

// Execute records the call, honours ctx cancellation, and delegates to
// ExecuteFunc when set.
func (m *Mock) Execute(ctx context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, req)
	}
	return &Result{
		TextOutput: "mock output",
		Metadata: Metadata{
			Runtime:    m.Name(),
			DurationMs: (10 * time.Millisecond).Milliseconds(),
		},
	}, nil
}

// Calls returns a copy of every recorded request, in order.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Execute has been invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// WithExecuteFunc sets a custom Execute handler and returns the receiver for
// chaining.
func (m *Mock) WithExecuteFunc(fn func(ctx context.Context, req Request) (*Result, error)) *Mock {
	m.ExecuteFunc = fn
	return m
}
