package transform

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siftlabs/sift/internal/types"
)

const MockName = "mock"

// Mock is a Transformer for tests and the --mock dev flag.
//
// By default it echoes each non-empty input line as a sentence pair. Behavior
// is configurable per-field; TransformFunc overrides everything when set.
type Mock struct {
	// Latency before each response.
	Latency time.Duration

	// FailFirst fails the first N calls with Err before succeeding.
	FailFirst int

	// Err is the classified error used for injected failures.
	// Defaults to a service_error.
	Err *Error

	// TokensPerCall reported on success (default 100).
	TokensPerCall int

	// TransformFunc, when non-nil, fully replaces the default behavior.
	TransformFunc func(ctx context.Context, req *Request) (*Result, error)

	mu    sync.Mutex
	calls atomic.Int64
}

// NewMock creates a mock transformer with sensible defaults.
func NewMock() *Mock {
	return &Mock{TokensPerCall: 100}
}

// Name returns the mock identifier.
func (m *Mock) Name() string { return MockName }

// Calls returns the number of Transform invocations so far.
func (m *Mock) Calls() int64 { return m.calls.Load() }

// Transform implements Transformer.
func (m *Mock) Transform(ctx context.Context, req *Request) (*Result, error) {
	count := m.calls.Add(1)

	if m.TransformFunc != nil {
		return m.TransformFunc(ctx, req)
	}

	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, Classify(ctx.Err())
		case <-time.After(m.Latency):
		}
	}

	m.mu.Lock()
	failFirst := m.FailFirst
	injected := m.Err
	m.mu.Unlock()

	if count <= int64(failFirst) {
		if injected != nil {
			return nil, injected
		}
		return nil, NewError(CodeServiceError, nil, "injected failure %d", count)
	}

	var sentences []types.Sentence
	for _, line := range strings.Split(req.Text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sentences = append(sentences, types.Sentence{
			Normalized: line,
			Original:   line,
		})
	}

	tokens := m.TokensPerCall
	if tokens <= 0 {
		tokens = 100
	}

	return &Result{
		Sentences:  sentences,
		TokensUsed: tokens,
		Model:      "mock",
		RequestID:  fmt.Sprintf("mock-%d", count),
	}, nil
}

var _ Transformer = (*Mock)(nil)
