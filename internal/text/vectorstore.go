package text

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Document is a stored text with its metadata.
type Document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Hit is a retrieval result.
type Hit struct {
	Document
	Score float64 `json:"score"`
}

type storedVector struct {
	Document
	Vector []float64 `json:"vector"`
}

// VectorStore is an in-memory exact cosine index. Vectors are normalized on insert.
type VectorStore struct {
	mu    sync.RWMutex
	dim   int
	items []storedVector
}

// NewVectorStore creates an empty store. dim 0 takes the first vector's length.
func NewVectorStore(dim int) *VectorStore {
	return &VectorStore{dim: dim}
}

// Len returns the number of stored documents.
func (s *VectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Add stores a document and its vector.
func (s *VectorStore) Add(doc Document, vec []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim == 0 {
		s.dim = len(vec)
	}
	if len(vec) != s.dim {
		return fmt.Errorf("vector dimension %d does not match store dimension %d", len(vec), s.dim)
	}
	s.items = append(s.items, storedVector{Document: doc, Vector: normalize(vec)})
	return nil
}

// Search returns the k nearest documents by cosine similarity, clamped to [0,1].
func (s *VectorStore) Search(query []float64, k int) []Hit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := normalize(query)
	hits := make([]Hit, 0, len(s.items))
	for _, it := range s.items {
		hits = append(hits, Hit{Document: it.Document, Score: Cosine(q, it.Vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k >= 0 && k < len(hits) {
		hits = hits[:k]
	}
	return hits
}

type storeFile struct {
	Dim   int            `json:"dim"`
	Items []storedVector `json:"items"`
}

// Save writes the store as JSON.
func (s *VectorStore) Save(path string) error {
	s.mu.RLock()
	data, err := json.Marshal(storeFile{Dim: s.dim, Items: s.items})
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal vector store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create vector store dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write vector store: %w", err)
	}
	return nil
}

// LoadVectorStore reads a store written by Save.
func LoadVectorStore(path string) (*VectorStore, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vector store %s: %w", path, err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse vector store %s: %w", path, err)
	}
	return &VectorStore{dim: f.Dim, items: f.Items}, nil
}

func normalize(v []float64) []float64 {
	var n float64
	for _, x := range v {
		n += x * x
	}
	out := make([]float64, len(v))
	if n == 0 {
		copy(out, v)
		return out
	}
	n = math.Sqrt(n)
	for i, x := range v {
		out[i] = x / n
	}
	return out
}
