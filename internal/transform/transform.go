// Package transform defines the external transformation capability: turning a
// chunk's raw page text into normalized sentence pairs. Implementations wrap a
// concrete provider; failures are classified into a small retryability-aware
// taxonomy consumed by the chunk retry policy.
package transform

import (
	"context"
	"time"

	"github.com/siftlabs/sift/internal/types"
)

// Request is one transformation call for a single chunk payload.
type Request struct {
	// Text is the chunk's page text.
	Text string

	// Model selection (uses the transformer default if empty).
	Model string

	Temperature float64

	// Timeout bounds the provider call. Zero means the transformer default.
	Timeout time.Duration

	// RequestID for tracing. Generated if empty.
	RequestID string
}

// Result is the outcome of a successful transformation call.
type Result struct {
	Sentences  []types.Sentence `json:"sentences"`
	TokensUsed int              `json:"tokens_used"`

	Model     string `json:"model"`
	RequestID string `json:"request_id"`
}

// Transformer is the capability handle passed to chunk workers. It is
// constructed explicitly at startup and injected; there is no process-wide
// default client.
//
// Calls are at-least-once: a transformer may be invoked again for a chunk
// whose previous call's outcome was lost, so callers guard persistence with
// the chunk's current status rather than assuming exactly-once delivery.
type Transformer interface {
	// Name returns the provider identifier (e.g. "openai", "mock").
	Name() string

	// Transform converts chunk text into sentence pairs. Errors are
	// *transform.Error values carrying a classified code.
	Transform(ctx context.Context, req *Request) (*Result, error)
}
