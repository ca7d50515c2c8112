// Package metrics records per-call transformer usage for cost and latency
// reporting. Recording is best-effort: a failed write never fails the call it
// measures.
package metrics

import (
	"sync"
	"time"
)

// Sample is one transformer invocation.
type Sample struct {
	JobID     string        `json:"job_id"`
	ChunkID   int           `json:"chunk_id"`
	Model     string        `json:"model"`
	Tokens    int           `json:"tokens"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	ErrorCode string        `json:"error_code,omitempty"`
	At        time.Time     `json:"at"`
}

// Recorder accepts usage samples.
type Recorder interface {
	Record(s Sample)
}

// Filter selects samples for aggregation. Zero fields match everything.
type Filter struct {
	JobID string
	Model string
}

func (f Filter) matches(s Sample) bool {
	if f.JobID != "" && s.JobID != f.JobID {
		return false
	}
	if f.Model != "" && s.Model != f.Model {
		return false
	}
	return true
}

// Summary aggregates matched samples.
type Summary struct {
	Count        int           `json:"count"`
	SuccessCount int           `json:"success_count"`
	ErrorCount   int           `json:"error_count"`
	TotalTokens  int           `json:"total_tokens"`
	TotalTime    time.Duration `json:"total_time"`
	AvgTokens    float64       `json:"avg_tokens"`
}

// Memory is an in-process Recorder with query support.
type Memory struct {
	mu      sync.RWMutex
	samples []Sample
}

// NewMemory creates an empty recorder.
func NewMemory() *Memory {
	return &Memory{}
}

// Record implements Recorder.
func (m *Memory) Record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
}

// List returns samples matching the filter in recording order.
func (m *Memory) List(f Filter) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Sample
	for _, s := range m.samples {
		if f.matches(s) {
			out = append(out, s)
		}
	}
	return out
}

// Summarize aggregates samples matching the filter.
func (m *Memory) Summarize(f Filter) Summary {
	samples := m.List(f)

	var sum Summary
	for _, s := range samples {
		sum.Count++
		if s.Success {
			sum.SuccessCount++
		} else {
			sum.ErrorCount++
		}
		sum.TotalTokens += s.Tokens
		sum.TotalTime += s.Duration
	}
	if sum.Count > 0 {
		sum.AvgTokens = float64(sum.TotalTokens) / float64(sum.Count)
	}
	return sum
}

// Nop discards all samples.
type Nop struct{}

func (Nop) Record(Sample) {}

var (
	_ Recorder = (*Memory)(nil)
	_ Recorder = Nop{}
)
