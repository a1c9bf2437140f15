// Package storetest provides an in-memory store for tests.
package storetest

import (
	"testing"

	"github.com/kundankumar-35/Autonomous-Agentic-Email-RAG-workflow/internal/store"
)

// New creates an in-memory Store with all migrations applied. It is closed
// when the test completes.
func New(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}
