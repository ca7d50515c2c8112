// Package planner decides how a document is split into overlapping page-range
// chunks. Page counts are bucketed into strategy tiers, each carrying a fixed
// chunk size and a parallelism hint for the worker pool.
package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/siftlabs/sift/internal/types"
)

// ErrInvalidDocument is returned when the document has no usable pages.
var ErrInvalidDocument = errors.New("invalid document: page count must be positive")

// Tier is one strategy bucket. A document with page count <= MaxPages falls
// into the first matching tier.
type Tier struct {
	Name            string
	MaxPages        int // 0 = unbounded (catch-all tier)
	ChunkSize       int
	ParallelWorkers int
}

// Config configures the planner.
type Config struct {
	Tiers        []Tier
	OverlapPages int
}

// Plan describes how one document will be chunked.
type Plan struct {
	Strategy        string `json:"strategy"`
	PageCount       int    `json:"page_count"`
	ChunkSize       int    `json:"chunk_size"`
	NumChunks       int    `json:"num_chunks"`
	ParallelWorkers int    `json:"parallel_workers"`
	OverlapPages    int    `json:"overlap_pages"`
}

// Planner buckets page counts into tiers and splits documents into chunks.
type Planner struct {
	tiers   []Tier
	overlap int
}

// DefaultTiers is the tier table used when none is configured.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "small", MaxPages: 10, ChunkSize: 10, ParallelWorkers: 1},
		{Name: "medium", MaxPages: 100, ChunkSize: 20, ParallelWorkers: 4},
		{Name: "large", MaxPages: 0, ChunkSize: 40, ParallelWorkers: 8},
	}
}

// New creates a planner. Zero-value config fields fall back to defaults.
func New(cfg Config) *Planner {
	tiers := cfg.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	overlap := cfg.OverlapPages
	if overlap <= 0 {
		overlap = 1
	}
	return &Planner{tiers: tiers, overlap: overlap}
}

// Plan selects a strategy tier for the given page count.
func (p *Planner) Plan(pageCount int) (Plan, error) {
	if pageCount <= 0 {
		return Plan{}, ErrInvalidDocument
	}

	tier := p.tiers[len(p.tiers)-1]
	for _, t := range p.tiers {
		if t.MaxPages > 0 && pageCount <= t.MaxPages {
			tier = t
			break
		}
	}

	numChunks := (pageCount + tier.ChunkSize - 1) / tier.ChunkSize
	if numChunks < 1 {
		numChunks = 1
	}

	workers := tier.ParallelWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > numChunks {
		workers = numChunks
	}

	return Plan{
		Strategy:        tier.Name,
		PageCount:       pageCount,
		ChunkSize:       tier.ChunkSize,
		NumChunks:       numChunks,
		ParallelWorkers: workers,
		OverlapPages:    p.overlap,
	}, nil
}

// Split cuts the document's pages into chunk descriptors per the plan.
//
// Chunk i spans [max(0, i*chunkSize-overlap), min(pageCount, (i+1)*chunkSize)).
// Every chunk except the first is extended backwards by the overlap so that
// adjacent chunks share boundary pages for cross-chunk context. The recorded
// StartPage/EndPage are inclusive. The union of all ranges covers exactly
// [0, pageCount).
func (p *Planner) Split(pages []string, plan Plan, maxRetries int) ([]*types.Chunk, error) {
	if len(pages) != plan.PageCount {
		return nil, fmt.Errorf("page payload count %d does not match plan page count %d", len(pages), plan.PageCount)
	}

	chunks := make([]*types.Chunk, 0, plan.NumChunks)
	for i := 0; i < plan.NumChunks; i++ {
		start := i * plan.ChunkSize
		if i > 0 {
			start -= plan.OverlapPages
		}
		if start < 0 {
			start = 0
		}
		end := (i + 1) * plan.ChunkSize
		if end > plan.PageCount {
			end = plan.PageCount
		}

		chunks = append(chunks, &types.Chunk{
			ChunkID:    i,
			StartPage:  start,
			EndPage:    end - 1,
			HasOverlap: i > 0,
			Payload:    strings.Join(pages[start:end], "\n\n"),
			Status:     types.ChunkPending,
			MaxRetries: maxRetries,
		})
	}
	return chunks, nil
}
