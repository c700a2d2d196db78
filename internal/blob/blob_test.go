package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentPath(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"notes.pdf", "attachments/u1/1700_notes.pdf"},
		{"../../etc/passwd", "attachments/u1/1700_passwd"},
		{`C:\Users\ada\hw.png`, "attachments/u1/1700_hw.png"},
		{"", "attachments/u1/1700_file"},
	}

	for _, tt := range tests {
		if got := AttachmentPath("u1", 1700, tt.filename); got != tt.want {
			t.Errorf("AttachmentPath(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}

func TestCleanPath(t *testing.T) {
	for _, bad := range []string{"", "/abs", "..", "../up", "a/../../up", `a\b`} {
		_, err := cleanPath(bad)
		assert.True(t, errors.Is(err, ErrInvalidPath), "cleanPath(%q) = %v", bad, err)
	}

	got, err := cleanPath("attachments/./u1//x.png")
	require.NoError(t, err)
	assert.Equal(t, "attachments/u1/x.png", got)
}

func TestLocal_UploadURLDelete(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(root, "/uploads/")
	require.NoError(t, err)
	ctx := context.Background()

	h, err := l.Upload(ctx, "attachments/u1/1_a.txt", strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/attachments/u1/1_a.txt", l.URL(h))

	data, err := os.ReadFile(filepath.Join(root, "attachments", "u1", "1_a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, l.Delete(ctx, h))
	require.NoError(t, l.Delete(ctx, h), "deleting twice is fine")
	_, err = os.Stat(filepath.Join(root, "attachments", "u1", "1_a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocal_RejectsEscapes(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "/uploads")
	require.NoError(t, err)

	_, err = l.Upload(context.Background(), "../outside.txt", strings.NewReader("x"), 1, "")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestMinio_URL(t *testing.T) {
	m, err := NewMinio(MinioConfig{Endpoint: "localhost:9000", AccessKey: "k", SecretKey: "s", Bucket: "homework"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/homework/attachments/u1/1_a.png", m.URL(Handle{Path: "attachments/u1/1_a.png"}))

	m, err = NewMinio(MinioConfig{Endpoint: "s3.example.com", Bucket: "hw", UseSSL: true, PublicURL: "https://cdn.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/hw/x.png", m.URL(Handle{Path: "x.png"}))
}

func TestMinio_UploadRejectsBadPath(t *testing.T) {
	m, err := NewMinio(MinioConfig{Endpoint: "localhost:9000", Bucket: "homework"})
	require.NoError(t, err)

	_, err = m.Upload(context.Background(), "/abs", strings.NewReader("x"), 1, "")
	assert.ErrorIs(t, err, ErrInvalidPath)
}
