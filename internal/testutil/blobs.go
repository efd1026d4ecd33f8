package testutil

import (
	"modman/internal/backupstore"
)

// NewTestBlobStore creates a new in-memory blob store for testing.
func NewTestBlobStore() *backupstore.MemoryStore {
	return backupstore.NewMemoryStore()
}
