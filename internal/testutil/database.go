package testutil

import (
	"testing"

	"modman/internal/database"
	"modman/internal/modman"
)

// NewTestStateStore creates a new in-memory state store with schema applied.
// The store is automatically closed when the test completes.
func NewTestStateStore(t *testing.T) modman.StateStore {
	t.Helper()

	s, err := database.NewSQLiteStateStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open state store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}
