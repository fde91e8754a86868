package domain

import "time"

// Taxonomy is a versioned catalog of risk categories.
// Categories keep their file order, which participates in tie-breaking.
type Taxonomy struct {
	Version     string           `json:"version"`
	Owner       string           `json:"owner"`
	Description string           `json:"description,omitempty"`
	Categories  []CategoryConfig `json:"categories"`
}

// CategoryConfig defines a single risk category.
type CategoryConfig struct {
	Key        string       `json:"key"`
	Label      string       `json:"label"`
	Severity   float64      `json:"severity"` // 0.0 to 1.0
	Reasons    []ReasonCode `json:"reasons"`
	Thresholds *Thresholds  `json:"thresholds,omitempty"`
}

// Thresholds are the band cut-offs for a category score.
type Thresholds struct {
	ScoreHigh   float64 `json:"scoreHigh"`
	ScoreMedium float64 `json:"scoreMedium"`
}

// HasReason reports whether the category is associated with r.
func (c *CategoryConfig) HasReason(r ReasonCode) bool {
	for _, cr := range c.Reasons {
		if cr == r {
			return true
		}
	}
	return false
}

// Category returns the category with the given key.
func (t *Taxonomy) Category(key string) (*CategoryConfig, bool) {
	for i := range t.Categories {
		if t.Categories[i].Key == key {
			return &t.Categories[i], true
		}
	}
	return nil, false
}

// ReasonCodes returns every reason referenced by the taxonomy, sorted and distinct.
func (t *Taxonomy) ReasonCodes() []ReasonCode {
	var all []ReasonCode
	for _, c := range t.Categories {
		all = append(all, c.Reasons...)
	}
	return SortedReasons(all)
}

// TaxonomySnapshot pins the exact taxonomy bytes used for a given version.
type TaxonomySnapshot struct {
	Version  string    `json:"version"`
	Hash     string    `json:"hash"`
	Owner    string    `json:"owner"`
	Body     []byte    `json:"-"`
	LoadedAt time.Time `json:"loadedAt"`
}
