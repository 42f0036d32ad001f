package pull

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileInfoFor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	content := []byte(`{"a":1}`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	info, err := FileInfoFor(path)
	require.NoError(t, err)

	assert.Equal(t, int64(len(content)), info.Size)
	assert.True(t, strings.HasPrefix(info.Mimetype, "application/json"))
	assert.Empty(t, info.Encoding)
	assert.False(t, info.Modified.IsZero())

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), info.Fingerprint)
}

func TestTypeByExtension(t *testing.T) {
	tests := []struct {
		path     string
		mimetype string
		encoding string
	}{
		{"report.html", "text/html", ""},
		{"archive.json.gz", "application/json", "gzip"},
		{"notes.gdoc", "application/vnd.google-apps.document", ""},
		{"README", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			mimetype, encoding := typeByExtension(tt.path)
			if tt.mimetype == "" {
				assert.Empty(t, mimetype)
			} else {
				assert.True(t, strings.HasPrefix(mimetype, tt.mimetype),
					"expected %q to start with %q", mimetype, tt.mimetype)
			}
			assert.Equal(t, tt.encoding, encoding)
		})
	}
}

func TestCollectDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "deep", "b.txt"), []byte("b"), 0o644))

	files, err := CollectDir(root, "sub")
	require.NoError(t, err)

	// Keys are slash-separated paths relative to the root, directories
	// themselves are not entries.
	require.Len(t, files, 2)
	assert.Contains(t, files, "sub/a.txt")
	assert.Contains(t, files, "sub/deep/b.txt")
}

func TestCollectFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))

	files, err := CollectFile(root, "a.txt")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, int64(1), files["a.txt"].Size)
}
