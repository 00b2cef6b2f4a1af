package classifier

import "sort"

// TagScore is one (tag, score) suggestion.
type TagScore struct {
	Tag   string  `json:"tag"`
	Score float32 `json:"score"`
}

// minFloor replaces a non-positive threshold so "show everything
// plausible" still drops the long tail of near-zero scores.
const minFloor = 0.005

// Rank pairs each score with its vocabulary tag, keeps scores >=
// threshold and sorts descending. Ties keep vocabulary order. scores
// and vocab must have equal length (adapter contract).
func Rank(vocab []string, scores []float32, threshold float32) []TagScore {
	if threshold <= 0 {
		threshold = minFloor
	}
	ranked := make([]TagScore, 0, 64)
	for i, score := range scores {
		if score >= threshold {
			ranked = append(ranked, TagScore{Tag: vocab[i], Score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}
