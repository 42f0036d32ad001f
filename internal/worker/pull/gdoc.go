package pull

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/docs/v1"
	"google.golang.org/api/option"
)

// GdocFetcher pulls a Google Doc as its JSON document structure.
type GdocFetcher struct{}

// NewGdocFetcher creates the gdoc strategy.
func NewGdocFetcher() *GdocFetcher {
	return &GdocFetcher{}
}

// Fetch implements Fetcher
func (f *GdocFetcher) Fetch(ctx context.Context, source Source, workingDir, destPath string, secrets Secrets) (Files, error) {
	if source.DocID == "" {
		return nil, fmt.Errorf("gdoc source has no doc_id")
	}

	token := secrets["google_token"]
	if token == "" {
		return nil, fmt.Errorf("gdoc source requires a google_token secret")
	}

	service, err := docs.NewService(ctx, option.WithTokenSource(
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})))
	if err != nil {
		return nil, fmt.Errorf("failed to create docs client: %w", err)
	}

	document, err := service.Documents.Get(source.DocID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get document %q: %w", source.DocID, err)
	}

	if destPath == "" {
		destPath = document.Title
	}
	if !strings.HasSuffix(destPath, ".gdoc") {
		destPath += ".gdoc"
	}

	body, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document %q: %w", source.DocID, err)
	}

	dest := filepath.Join(workingDir, destPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %q: %w", dest, err)
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %q: %w", dest, err)
	}

	return CollectFile(workingDir, destPath)
}
