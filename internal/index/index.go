// Package index provides the similarity index the retriever queries.
package index

import (
	"context"
	"errors"
)

// Hit is a single retrieved passage.
type Hit struct {
	Text   string
	Source string
	// Score is the backend's relevance score, higher is better.
	Score float64
}

// Document is a passage to be indexed.
type Document struct {
	ID       string
	Text     string
	Source   string
	Metadata map[string]any
}

// Index queries and feeds a reference corpus.
type Index interface {
	Query(ctx context.Context, text string, k int) ([]Hit, error)
	Upsert(ctx context.Context, docs []Document) error
}

// ErrUnsupported is returned by backends that cannot perform an operation.
var ErrUnsupported = errors.New("index: operation not supported")
