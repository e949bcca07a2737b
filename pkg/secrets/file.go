package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider reads one secret per file from a directory, the layout of
// Kubernetes secret volumes. Files must be mode 0600 or 0400.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a file provider rooted at dir.
func NewFileProvider(dir string) (*FileProvider, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("secrets: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secrets: %s is not a directory", dir)
	}
	return &FileProvider{dir: dir}, nil
}

// GetSecret implements Provider.
func (p *FileProvider) GetSecret(ctx context.Context, name string) (string, error) {
	if !filepath.IsLocal(name) || strings.ContainsRune(name, filepath.Separator) {
		return "", fmt.Errorf("secrets: invalid secret name %q", name)
	}
	path := filepath.Join(p.dir, name)

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s in %s", ErrNotFound, name, p.dir)
	}
	if err != nil {
		return "", fmt.Errorf("secrets: stat %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("secrets: %s is not a regular file", name)
	}
	if perm := info.Mode().Perm(); perm != 0o600 && perm != 0o400 {
		return "", fmt.Errorf("secrets: insecure permissions on %s: %o (expected 0600 or 0400)", name, perm)
	}

	data, err := os.ReadFile(path) // #nosec G304 - name is checked to be local above
	if err != nil {
		return "", fmt.Errorf("secrets: read %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Name implements Provider.
func (p *FileProvider) Name() string { return "file" }
