package text

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LabelVector is one embedded reason code label.
type LabelVector struct {
	Label  string    `json:"label"`
	Vector []float64 `json:"vector"`
}

// LabelIndex holds one embedding per taxonomy reason code, sorted by label.
type LabelIndex struct {
	Model        string        `json:"model"`
	TaxonomyHash string        `json:"taxonomy_hash,omitempty"`
	Labels       []LabelVector `json:"labels"`
}

// LabelIndexFileName is the on-disk name of an index for a taxonomy hash and model.
func LabelIndexFileName(taxonomyHash, model string) string {
	h := taxonomyHash
	if len(h) > 12 {
		h = h[:12]
	}
	safe := strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(model)
	return fmt.Sprintf("label_index__%s__%s.json", h, safe)
}

// BuildLabelIndex embeds every label. Labels are deduplicated and sorted.
func BuildLabelIndex(ctx context.Context, emb Embedder, labels []domain.ReasonCode, taxonomyHash string) (*LabelIndex, error) {
	idx := &LabelIndex{Model: emb.Model(), TaxonomyHash: taxonomyHash}
	for _, r := range domain.SortedReasons(labels) {
		vec, err := emb.Embed(ctx, string(r))
		if err != nil {
			return nil, fmt.Errorf("failed to embed label %s: %w", r, err)
		}
		idx.Labels = append(idx.Labels, LabelVector{Label: string(r), Vector: vec})
	}
	return idx, nil
}

// SaveLabelIndex writes idx as JSON, creating parent directories.
func SaveLabelIndex(idx *LabelIndex, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create label index dir: %w", err)
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("failed to marshal label index: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write label index: %w", err)
	}
	return nil
}

// LoadLabelIndex reads an index written by SaveLabelIndex.
func LoadLabelIndex(path string) (*LabelIndex, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var idx LabelIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse label index %s: %w", path, err)
	}
	sort.SliceStable(idx.Labels, func(i, j int) bool { return idx.Labels[i].Label < idx.Labels[j].Label })
	return &idx, nil
}

// LoadOrBuildLabelIndex loads the index for the taxonomy hash and embedding
// model from dir, building and saving it when absent.
func LoadOrBuildLabelIndex(ctx context.Context, dir string, emb Embedder, tax *domain.Taxonomy, taxonomyHash string) (*LabelIndex, error) {
	path := filepath.Join(dir, LabelIndexFileName(taxonomyHash, emb.Model()))

	idx, err := LoadLabelIndex(path)
	if err == nil {
		slog.Info("label index loaded", "path", path, "labels", len(idx.Labels))
		return idx, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	idx, err = BuildLabelIndex(ctx, emb, tax.ReasonCodes(), taxonomyHash)
	if err != nil {
		return nil, err
	}
	if err := SaveLabelIndex(idx, path); err != nil {
		slog.Warn("label index not persisted", "path", path, "error", err)
	}
	slog.Info("label index built", "path", path, "labels", len(idx.Labels), "model", idx.Model)
	return idx, nil
}
