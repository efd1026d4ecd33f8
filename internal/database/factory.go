package database

import (
	"fmt"
	"path/filepath"

	"modman/internal/config"
	"modman/internal/modman"
)

// StateFile is the name of the state database inside a backup folder.
const StateFile = "state.db"

// NewStateStoreFromConfig creates the state store of a location whose backup
// folder is backupDir.
func NewStateStoreFromConfig(cfg config.StateConfig, backupDir string) (modman.StateStore, error) {
	var path string
	switch cfg.Type {
	case "sqlite", "":
		if backupDir == "" {
			return nil, fmt.Errorf("backup folder required for sqlite state")
		}
		path = filepath.Join(backupDir, StateFile)
	case "memory":
		path = ":memory:"
	default:
		return nil, fmt.Errorf("unknown state store type: %s", cfg.Type)
	}

	s, err := NewSQLiteStateStore(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}
