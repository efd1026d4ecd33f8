package backupstore

import (
	"fmt"
	"path/filepath"

	"modman/internal/config"
	"modman/internal/modman"
)

// BlobDir is the folder inside a location's backup folder holding blobs.
const BlobDir = "blobs"

// NewBlobStoreFromConfig creates the blob store of a location. compress
// overrides the configured compression level when set.
func NewBlobStoreFromConfig(cfg config.BackupConfig, backupDir, compress string) (modman.BlobStore, error) {
	if compress == "" {
		compress = cfg.Compress
	}
	switch cfg.Type {
	case "filesystem", "":
		if backupDir == "" {
			return nil, fmt.Errorf("backup folder required for filesystem blob store")
		}
		s, err := NewFileSystemStore(filepath.Join(backupDir, BlobDir), compress)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown backup store type: %s", cfg.Type)
	}
}
