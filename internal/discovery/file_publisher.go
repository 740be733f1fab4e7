package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FilePublisher implements Publisher over a shared targets directory.
type FilePublisher struct {
	dir    string
	logger zerolog.Logger
}

// NewFilePublisher returns a publisher writing into the given directory.
func NewFilePublisher(dir string, logger zerolog.Logger) *FilePublisher {
	return &FilePublisher{
		dir:    dir,
		logger: logger,
	}
}

// DescriptorPath returns the descriptor path for a hostname.
func (p *FilePublisher) DescriptorPath(hostname string) string {
	return filepath.Join(p.dir, hostname+".json")
}

// Publish writes the descriptor via a same-directory temp file and rename,
// so a concurrently-scanning consumer never observes a partial write.
func (p *FilePublisher) Publish(ctx context.Context, hostname string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	final := p.DescriptorPath(hostname)

	tempFile, err := os.CreateTemp(p.dir, "."+hostname+"-*.json.tmp")
	if err != nil {
		return &WriteError{Path: final, Err: err}
	}

	cleanup := func() {
		_ = os.Remove(tempFile.Name())
	}

	if _, err := tempFile.Write(content); err != nil {
		_ = tempFile.Close()
		cleanup()
		return &WriteError{Path: final, Err: err}
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		cleanup()
		return &WriteError{Path: final, Err: err}
	}
	if err := tempFile.Close(); err != nil {
		cleanup()
		return &WriteError{Path: final, Err: err}
	}

	if err := os.Rename(tempFile.Name(), final); err != nil {
		cleanup()
		return &WriteError{Path: final, Err: err}
	}

	if dirHandle, err := os.Open(p.dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}

	p.logger.Info().Str("path", final).Int("bytes", len(content)).Msg("published discovery descriptor")
	return nil
}

// Retract removes the descriptor. A missing file is success.
func (p *FilePublisher) Retract(ctx context.Context, hostname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := p.DescriptorPath(hostname)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &WriteError{Path: path, Err: err}
	}

	p.logger.Info().Str("path", path).Msg("retracted discovery descriptor")
	return nil
}
