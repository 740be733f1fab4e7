package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FileStore persists applied state as JSON on node-local disk. It lives on
// local storage, not shared storage, since it reflects only this node's own
// last-applied actions.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore returns a JSON-backed state store.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger,
	}
}

// Load reads applied state from disk. Missing or corrupt files return an
// empty state with a warning: "nothing applied yet", forcing a full resync.
// Deleting the file is the documented manual recovery path.
func (s *FileStore) Load(ctx context.Context) (AppliedState, error) {
	if err := ctx.Err(); err != nil {
		return AppliedState{}, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Str("path", s.path).Msg("state file missing, starting fresh")
			return AppliedState{}, nil
		}
		s.logger.Warn().Str("path", s.path).Err(err).Msg("state file unreadable, starting fresh")
		return AppliedState{}, nil
	}

	var applied AppliedState
	if err := json.Unmarshal(data, &applied); err != nil {
		s.logger.Warn().Str("path", s.path).Err(err).Msg("state file corrupt, starting fresh")
		return AppliedState{}, nil
	}
	return applied, nil
}

// Save writes applied state to disk atomically.
func (s *FileStore) Save(ctx context.Context, applied AppliedState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return err
	}

	cleanup := func() {
		_ = os.Remove(tempFile.Name())
	}

	encoder := json.NewEncoder(tempFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(applied); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Close(); err != nil {
		cleanup()
		return err
	}

	if err := os.Rename(tempFile.Name(), s.path); err != nil {
		cleanup()
		return err
	}

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}

	return nil
}
