package keyword

import (
	"sort"

	"engram/application/ports"
)

// rrfK dampens the contribution of deep ranks in reciprocal rank fusion.
const rrfK = 60.0

// FuseRRF merges the vector and keyword rank lists with reciprocal rank
// fusion. Only ids present in the vector list are returned, since that is
// the channel that carried full cell data; order is fused score descending.
func FuseRRF(vector []string, keyword []ports.KeywordHit) []string {
	if len(vector) == 0 {
		return nil
	}

	scores := make(map[string]float64, len(vector))
	for rank, id := range vector {
		scores[id] += 1.0 / (rrfK + float64(rank+1))
	}
	for rank, hit := range keyword {
		if _, ok := scores[hit.ID]; ok {
			scores[hit.ID] += 1.0 / (rrfK + float64(rank+1))
		}
	}

	fused := make([]string, len(vector))
	copy(fused, vector)
	sort.SliceStable(fused, func(i, j int) bool {
		return scores[fused[i]] > scores[fused[j]]
	})
	return fused
}
