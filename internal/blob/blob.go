// Package blob stores uploaded files (question attachments) and hands out
// URLs for them.
//
// Two implementations share the Store interface: Local writes under a
// directory served by the app itself at /uploads/, Minio puts objects into
// an S3-compatible bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrInvalidPath is returned for object paths that are empty, absolute, or
// try to climb out of the store with "..".
var ErrInvalidPath = errors.New("blob: invalid object path")

// Handle identifies an uploaded object.
type Handle struct {
	Path string `json:"path"`
}

// Store is the blob store contract.
type Store interface {
	Upload(ctx context.Context, objectPath string, r io.Reader, size int64, contentType string) (Handle, error)
	URL(h Handle) string
	Delete(ctx context.Context, h Handle) error
}

// AttachmentPath builds the object path of a question attachment:
// attachments/{uid}/{epochMs}_{name}. Only the base name of the client's
// file name is kept.
func AttachmentPath(uid string, epochMs int64, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if name == "." || name == "/" || name == ".." {
		name = "file"
	}
	return fmt.Sprintf("attachments/%s/%d_%s", uid, epochMs, name)
}

// cleanPath validates an object path and returns its canonical form.
func cleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}
