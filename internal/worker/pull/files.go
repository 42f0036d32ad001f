package pull

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"time"
)

// FileInfo describes one pulled file.
type FileInfo struct {
	Size        int64     `json:"size"`
	Mimetype    string    `json:"mimetype,omitempty"`
	Encoding    string    `json:"encoding,omitempty"`
	Modified    time.Time `json:"modified"`
	Fingerprint string    `json:"fingerprint"`
}

// Files maps the path of each pulled file, relative to the working
// directory, to its metadata. It is the result of every pull job.
type Files map[string]FileInfo

// FileInfoFor builds the metadata of a single file, including its
// SHA-256 fingerprint.
func FileInfoFor(path string) (FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("failed to stat %q: %w", path, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return FileInfo{}, fmt.Errorf("failed to fingerprint %q: %w", path, err)
	}

	mimetype, encoding := typeByExtension(path)

	return FileInfo{
		Size:        stat.Size(),
		Mimetype:    mimetype,
		Encoding:    encoding,
		Modified:    stat.ModTime().UTC(),
		Fingerprint: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// typeByExtension guesses a mimetype and content encoding from a file
// extension. Compressed extensions report the encoding separately, the
// way HTTP would.
func typeByExtension(path string) (mimetype, encoding string) {
	ext := filepath.Ext(path)
	switch ext {
	case ".gz":
		return typeByExtensionOnly(filepath.Ext(path[:len(path)-len(ext)])), "gzip"
	case ".gdoc":
		return "application/vnd.google-apps.document", ""
	}
	return typeByExtensionOnly(ext), ""
}

func typeByExtensionOnly(ext string) string {
	if ext == "" {
		return ""
	}
	return mime.TypeByExtension(ext)
}

// CollectFile returns the Files map for one file at the given relative
// path under root.
func CollectFile(root, relPath string) (Files, error) {
	info, err := FileInfoFor(filepath.Join(root, relPath))
	if err != nil {
		return nil, err
	}
	return Files{filepath.ToSlash(relPath): info}, nil
}

// CollectDir walks a directory under root and returns the Files map of
// everything in it, keyed by path relative to root.
func CollectDir(root, relDir string) (Files, error) {
	files := Files{}

	start := filepath.Join(root, relDir)
	err := filepath.WalkDir(start, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		info, err := FileInfoFor(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(relPath)] = info
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %q: %w", start, err)
	}

	return files, nil
}
