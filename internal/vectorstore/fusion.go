package vectorstore

import (
	"sort"
)

// Fuse combines ranked branch lists with Reciprocal Rank Fusion. A hit at 1-based rank r
// in a branch contributes 1/r; hits missing from a branch contribute nothing there.
// Results are ordered by descending fused score with ties broken by ascending document
// id, then the offset/limit page is cut.
func Fuse(rankings [][]Hit, offset, limit int) []Hit {
	fused := make(map[string]*Hit)
	for _, ranking := range rankings {
		for i, hit := range ranking {
			contribution := 1 / float64(i+1)
			if existing, ok := fused[hit.DocumentID]; ok {
				existing.Score += contribution
				continue
			}
			h := hit
			h.Score = contribution
			fused[hit.DocumentID] = &h
		}
	}

	out := make([]Hit, 0, len(fused))
	for _, h := range fused {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocumentID < out[j].DocumentID
	})

	return page(out, offset, limit)
}

func page(hits []Hit, offset, limit int) []Hit {
	if offset >= len(hits) {
		return []Hit{}
	}
	hits = hits[offset:]
	if limit > 0 && limit < len(hits) {
		hits = hits[:limit]
	}
	return hits
}
