// Package merge combines terminal chunk results into one ordered,
// de-duplicated sentence list.
package merge

import (
	"sort"
	"strings"

	"github.com/siftlabs/sift/internal/types"
)

// dedupKeyRunes is the normalized-text prefix length used as the dedup key.
// This is a deliberate heuristic: sentences regenerated from a shared overlap
// page are near-identical, so a prefix match removes them without page-level
// alignment. Two genuinely distinct sentences sharing a long common prefix
// will be falsely merged; that approximation is inherited behavior, not a bug
// to fix here.
const dedupKeyRunes = 40

// Merge combines the terminal chunk set into a single ordered sentence list.
//
// Chunks are sorted by chunk ID; chunks that did not succeed contribute
// nothing. The first contributing chunk's sentences are appended wholesale and
// seed the seen-set; every later chunk (which overlaps its predecessor's tail
// pages) contributes only sentences whose dedup key is unseen.
//
// Merge is a pure function of its input: the same terminal chunk set always
// yields the same order and the same deduplication outcome, so a merge can be
// replayed for audit.
func Merge(chunks []*types.Chunk) []types.Sentence {
	ordered := make([]*types.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ChunkID < ordered[j].ChunkID
	})

	var out []types.Sentence
	seen := make(map[string]struct{})
	first := true

	for _, c := range ordered {
		if c.Status != types.ChunkSuccess {
			continue
		}
		for _, s := range c.Result {
			key := Key(s.Normalized)
			if !first {
				if _, dup := seen[key]; dup {
					continue
				}
			}
			out = append(out, s)
			seen[key] = struct{}{}
		}
		first = false
	}
	return out
}

// Key computes the dedup key for a normalized sentence: lowercased, whitespace
// collapsed, truncated to a fixed rune prefix.
func Key(normalized string) string {
	collapsed := strings.Join(strings.Fields(strings.ToLower(normalized)), " ")
	runes := []rune(collapsed)
	if len(runes) > dedupKeyRunes {
		runes = runes[:dedupKeyRunes]
	}
	return string(runes)
}
