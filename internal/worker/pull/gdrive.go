package pull

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const folderMimetype = "application/vnd.google-apps.folder"

// exportMimetypes maps Google-native file types to the binary format
// they are exported as, with the extension to append. Native types not
// listed here have no useful binary representation and are skipped.
var exportMimetypes = map[string]struct {
	mimetype  string
	extension string
}{
	"application/vnd.google-apps.document": {
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document", ".docx",
	},
	"application/vnd.google-apps.spreadsheet": {
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ".xlsx",
	},
	"application/vnd.google-apps.presentation": {
		"application/vnd.openxmlformats-officedocument.presentationml.presentation", ".pptx",
	},
	"application/vnd.google-apps.drawing": {"image/png", ".png"},
}

// GdriveFetcher pulls a Google Drive folder recursively.
type GdriveFetcher struct{}

// NewGdriveFetcher creates the gdrive strategy.
func NewGdriveFetcher() *GdriveFetcher {
	return &GdriveFetcher{}
}

// Fetch implements Fetcher
func (f *GdriveFetcher) Fetch(ctx context.Context, source Source, workingDir, destPath string, secrets Secrets) (Files, error) {
	if source.FolderID == "" {
		return nil, fmt.Errorf("gdrive source has no folder_id")
	}

	token := secrets["google_token"]
	if token == "" {
		return nil, fmt.Errorf("gdrive source requires a google_token secret")
	}

	service, err := drive.NewService(ctx, option.WithTokenSource(
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})))
	if err != nil {
		return nil, fmt.Errorf("failed to create drive client: %w", err)
	}

	dest := filepath.Join(workingDir, destPath)
	if err := f.pullFolder(ctx, service, source.FolderID, dest); err != nil {
		return nil, err
	}

	if destPath == "" {
		destPath = "."
	}
	return CollectDir(workingDir, destPath)
}

// pullFolder downloads the contents of a folder into dest, recursing
// into sub-folders.
func (f *GdriveFetcher) pullFolder(ctx context.Context, service *drive.Service, folderID, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %q: %w", dest, err)
	}

	query := fmt.Sprintf("'%s' in parents and trashed = false", folderID)
	pageToken := ""
	for {
		call := service.Files.List().
			Q(query).
			Fields("nextPageToken, files(id, name, mimeType)").
			PageSize(100).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		list, err := call.Do()
		if err != nil {
			return fmt.Errorf("failed to list folder %q: %w", folderID, err)
		}

		for _, file := range list.Files {
			if file.MimeType == folderMimetype {
				if err := f.pullFolder(ctx, service, file.Id, filepath.Join(dest, file.Name)); err != nil {
					return err
				}
				continue
			}
			if err := f.pullFile(ctx, service, file, dest); err != nil {
				return err
			}
		}

		pageToken = list.NextPageToken
		if pageToken == "" {
			return nil
		}
	}
}

// pullFile downloads one file, exporting Google-native types to their
// binary format and skipping natives with no export.
func (f *GdriveFetcher) pullFile(ctx context.Context, service *drive.Service, file *drive.File, dest string) error {
	name := file.Name

	if strings.HasPrefix(file.MimeType, "application/vnd.google-apps.") {
		export, ok := exportMimetypes[file.MimeType]
		if !ok {
			return nil
		}
		response, err := service.Files.Export(file.Id, export.mimetype).Context(ctx).Download()
		if err != nil {
			return fmt.Errorf("failed to export %q: %w", file.Name, err)
		}
		defer response.Body.Close()
		if !strings.HasSuffix(name, export.extension) {
			name += export.extension
		}
		return writeBody(filepath.Join(dest, name), response.Body)
	}

	response, err := service.Files.Get(file.Id).Context(ctx).Download()
	if err != nil {
		return fmt.Errorf("failed to download %q: %w", file.Name, err)
	}
	defer response.Body.Close()

	return writeBody(filepath.Join(dest, name), response.Body)
}

func writeBody(dest string, body io.Reader) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, body); err != nil {
		return fmt.Errorf("failed to write %q: %w", dest, err)
	}
	return nil
}
