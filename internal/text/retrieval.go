package text

import (
	"context"
	"fmt"
)

// Retriever finds stored documents similar to a text.
type Retriever interface {
	Retrieve(ctx context.Context, text string, k int) ([]Hit, error)
}

// StoreRetriever embeds queries and searches a VectorStore.
type StoreRetriever struct {
	embedder Embedder
	store    *VectorStore
}

// NewStoreRetriever creates a retriever over store.
func NewStoreRetriever(embedder Embedder, store *VectorStore) *StoreRetriever {
	return &StoreRetriever{embedder: embedder, store: store}
}

// Retrieve implements Retriever.
func (r *StoreRetriever) Retrieve(ctx context.Context, text string, k int) ([]Hit, error) {
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return r.store.Search(vec, k), nil
}

// Add embeds and stores a document.
func (r *StoreRetriever) Add(ctx context.Context, doc Document) error {
	vec, err := r.embedder.Embed(ctx, doc.Text)
	if err != nil {
		return fmt.Errorf("failed to embed document %s: %w", doc.ID, err)
	}
	return r.store.Add(doc, vec)
}

// Store returns the underlying store.
func (r *StoreRetriever) Store() *VectorStore {
	return r.store
}
