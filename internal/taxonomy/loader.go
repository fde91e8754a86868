// Package taxonomy loads and serves the versioned risk category catalog.
package taxonomy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// ErrInvalidTaxonomy is returned when a taxonomy file fails validation.
// It is fatal at load time and never surfaces during a decision.
var ErrInvalidTaxonomy = errors.New("invalid taxonomy")

// Loaded is a parsed taxonomy together with the bytes it came from.
type Loaded struct {
	Taxonomy *domain.Taxonomy
	Hash     string
	Bytes    []byte
	LoadedAt time.Time
}

// Snapshot returns the pinning record for l.
func (l *Loaded) Snapshot() *domain.TaxonomySnapshot {
	return &domain.TaxonomySnapshot{
		Version:  l.Taxonomy.Version,
		Hash:     l.Hash,
		Owner:    l.Taxonomy.Owner,
		Body:     l.Bytes,
		LoadedAt: l.LoadedAt,
	}
}

type fileTaxonomy struct {
	Version     string    `yaml:"version"`
	Owner       string    `yaml:"owner"`
	Description string    `yaml:"description"`
	Categories  yaml.Node `yaml:"categories"`
}

type fileCategory struct {
	Label      string          `yaml:"label"`
	Severity   *float64        `yaml:"severity"`
	Reasons    []string        `yaml:"reasons"`
	Thresholds *fileThresholds `yaml:"thresholds"`
}

type fileThresholds struct {
	ScoreHigh   *float64 `yaml:"score_high"`
	ScoreMedium *float64 `yaml:"score_medium"`
}

// LoadFile reads and validates a taxonomy YAML file.
func LoadFile(path string) (*Loaded, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read taxonomy %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates taxonomy YAML. Category order follows the file.
func Parse(data []byte) (*Loaded, error) {
	var raw fileTaxonomy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTaxonomy, err)
	}

	if raw.Version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidTaxonomy)
	}
	if _, err := semver.NewVersion(raw.Version); err != nil {
		return nil, fmt.Errorf("%w: version %q is not semver: %v", ErrInvalidTaxonomy, raw.Version, err)
	}
	if raw.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidTaxonomy)
	}

	tax := &domain.Taxonomy{
		Version:     raw.Version,
		Owner:       raw.Owner,
		Description: raw.Description,
	}

	node := &raw.Categories
	if node.Kind != 0 && node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: categories must be a mapping", ErrInvalidTaxonomy)
	}

	seen := make(map[string]struct{})
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if key == "" {
			return nil, fmt.Errorf("%w: category key is empty", ErrInvalidTaxonomy)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate category %q", ErrInvalidTaxonomy, key)
		}
		seen[key] = struct{}{}

		var fc fileCategory
		if err := node.Content[i+1].Decode(&fc); err != nil {
			return nil, fmt.Errorf("%w: category %q: %v", ErrInvalidTaxonomy, key, err)
		}
		cat, err := buildCategory(key, &fc)
		if err != nil {
			return nil, err
		}
		tax.Categories = append(tax.Categories, cat)
	}

	sum := sha256.Sum256(data)
	return &Loaded{
		Taxonomy: tax,
		Hash:     hex.EncodeToString(sum[:]),
		Bytes:    data,
		LoadedAt: time.Now().UTC(),
	}, nil
}

func buildCategory(key string, fc *fileCategory) (domain.CategoryConfig, error) {
	cat := domain.CategoryConfig{Key: key, Label: fc.Label}

	if fc.Severity == nil {
		return cat, fmt.Errorf("%w: category %q: severity is required", ErrInvalidTaxonomy, key)
	}
	if !inUnit(*fc.Severity) {
		return cat, fmt.Errorf("%w: category %q: severity %v out of [0,1]", ErrInvalidTaxonomy, key, *fc.Severity)
	}
	cat.Severity = *fc.Severity

	if fc.Thresholds == nil || fc.Thresholds.ScoreHigh == nil || fc.Thresholds.ScoreMedium == nil {
		return cat, fmt.Errorf("%w: category %q: thresholds score_high and score_medium are required", ErrInvalidTaxonomy, key)
	}
	high, medium := *fc.Thresholds.ScoreHigh, *fc.Thresholds.ScoreMedium
	if !inUnit(high) || !inUnit(medium) {
		return cat, fmt.Errorf("%w: category %q: thresholds out of [0,1]", ErrInvalidTaxonomy, key)
	}
	if medium > high {
		return cat, fmt.Errorf("%w: category %q: score_medium %v above score_high %v", ErrInvalidTaxonomy, key, medium, high)
	}
	cat.Thresholds = &domain.Thresholds{ScoreHigh: high, ScoreMedium: medium}

	for _, s := range fc.Reasons {
		r, err := domain.ParseReasonCode(s)
		if err != nil {
			return cat, fmt.Errorf("%w: category %q: %v", ErrInvalidTaxonomy, key, err)
		}
		if !cat.HasReason(r) {
			cat.Reasons = append(cat.Reasons, r)
		}
	}
	return cat, nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
