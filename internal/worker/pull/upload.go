package pull

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
)

// UploadFetcher copies an uploaded file into the working directory,
// either from the configured bucket or from a local staging path, and
// unpacks it in place when it is an archive.
type UploadFetcher struct {
	bucket     *minio.Client
	bucketName string
}

// NewUploadFetcher creates the upload strategy. bucket may be nil, in
// which case source paths are read from the local filesystem.
func NewUploadFetcher(bucket *minio.Client, bucketName string) *UploadFetcher {
	return &UploadFetcher{bucket: bucket, bucketName: bucketName}
}

// Fetch implements Fetcher
func (f *UploadFetcher) Fetch(ctx context.Context, source Source, workingDir, destPath string, secrets Secrets) (Files, error) {
	if source.Path == "" {
		return nil, fmt.Errorf("upload source has no path")
	}
	if destPath == "" {
		destPath = filepath.Base(source.Path)
	}

	dest := filepath.Join(workingDir, destPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %q: %w", dest, err)
	}

	if f.bucket != nil {
		if err := f.bucket.FGetObject(ctx, f.bucketName, source.Path, dest, minio.GetObjectOptions{}); err != nil {
			return nil, fmt.Errorf("failed to fetch upload %q from bucket: %w", source.Path, err)
		}
	} else {
		if err := copyFile(source.Path, dest); err != nil {
			return nil, err
		}
	}

	if format := archiveFormat(dest); format != "" {
		unpackDir := filepath.Dir(dest)
		if err := unpack(dest, unpackDir, format); err != nil {
			return nil, fmt.Errorf("failed to unpack %q: %w", dest, err)
		}
		if err := os.Remove(dest); err != nil {
			return nil, fmt.Errorf("failed to remove archive %q: %w", dest, err)
		}
		relDir, err := filepath.Rel(workingDir, unpackDir)
		if err != nil {
			return nil, err
		}
		return CollectDir(workingDir, relDir)
	}

	return CollectFile(workingDir, destPath)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open upload %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy upload to %q: %w", dest, err)
	}
	return nil
}

// archiveFormat returns "zip", "tar" or "tar.gz" for recognized archive
// extensions, or an empty string.
func archiveFormat(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return "zip"
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "tar.gz"
	case strings.HasSuffix(lower, ".tar"):
		return "tar"
	}
	return ""
}

func unpack(archive, dest, format string) error {
	switch format {
	case "zip":
		return unpackZip(archive, dest)
	case "tar", "tar.gz":
		return unpackTar(archive, dest, format == "tar.gz")
	}
	return fmt.Errorf("unrecognized archive format %q", format)
}

// securePath joins an archive entry name onto dest, rejecting entries
// that would escape it.
func securePath(dest, name string) (string, error) {
	path := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return path, nil
}

func unpackZip(archive, dest string) error {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer reader.Close()

	for _, entry := range reader.File {
		path, err := securePath(dest, entry.Name)
		if err != nil {
			return err
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}

		in, err := entry.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(path)
		if err != nil {
			in.Close()
			return err
		}
		_, err = io.Copy(out, in)
		in.Close()
		out.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

func unpackTar(archive string, dest string, gzipped bool) error {
	file, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer file.Close()

	var reader io.Reader = file
	if gzipped {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return err
		}
		defer gz.Close()
		reader = gz
	}

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		path, err := securePath(dest, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			out, err := os.Create(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(out, tr)
			out.Close()
			if err != nil {
				return err
			}
		}
	}
}
