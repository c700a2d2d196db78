package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local stores blobs on the local filesystem.
type Local struct {
	root    string
	baseURL string
}

var _ Store = (*Local)(nil)

// NewLocal stores files under root and builds URLs as baseURL + "/" + path.
// The server mounts root at baseURL.
func NewLocal(root, baseURL string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: creating %s: %w", root, err)
	}
	return &Local{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Root returns the directory files are stored in.
func (l *Local) Root() string { return l.root }

// Upload writes r to objectPath, replacing any existing file.
func (l *Local) Upload(_ context.Context, objectPath string, r io.Reader, _ int64, _ string) (Handle, error) {
	p, err := cleanPath(objectPath)
	if err != nil {
		return Handle{}, err
	}
	dst := filepath.Join(l.root, filepath.FromSlash(p))

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Handle{}, fmt.Errorf("blob: creating directory for %s: %w", p, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return Handle{}, fmt.Errorf("blob: creating %s: %w", p, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(dst)
		return Handle{}, fmt.Errorf("blob: writing %s: %w", p, err)
	}
	if err := out.Close(); err != nil {
		return Handle{}, fmt.Errorf("blob: closing %s: %w", p, err)
	}
	return Handle{Path: p}, nil
}

// URL returns the public URL of h.
func (l *Local) URL(h Handle) string {
	return l.baseURL + "/" + h.Path
}

// Delete removes the file. A missing file is not an error.
func (l *Local) Delete(_ context.Context, h Handle) error {
	p, err := cleanPath(h.Path)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(l.root, filepath.FromSlash(p)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob: deleting %s: %w", p, err)
	}
	return nil
}
