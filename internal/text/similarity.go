package text

import (
	"math"
	"sort"
)

// SimilarityHit is a label scored against a query vector.
type SimilarityHit struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Cosine returns the cosine similarity of a and b clamped to [0,1].
// Zero-norm vectors are treated as unit norm.
func Cosine(a, b []float64) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	for _, x := range a {
		na += x * x
	}
	for _, y := range b {
		nb += y * y
	}
	na, nb = math.Sqrt(na), math.Sqrt(nb)
	if na == 0 {
		na = 1
	}
	if nb == 0 {
		nb = 1
	}
	s := dot / (na * nb)
	if math.IsNaN(s) || s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// TopHits scores every label in idx and returns the k best.
// Ties keep label index order.
func TopHits(query []float64, idx *LabelIndex, k int) []SimilarityHit {
	hits := make([]SimilarityHit, 0, len(idx.Labels))
	for _, l := range idx.Labels {
		hits = append(hits, SimilarityHit{Label: l.Label, Score: Cosine(query, l.Vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k >= 0 && k < len(hits) {
		hits = hits[:k]
	}
	return hits
}
