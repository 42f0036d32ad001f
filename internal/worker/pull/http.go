package pull

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
)

// URLFetcher streams an arbitrary URL to disk through the hardened
// session.
type URLFetcher struct {
	session *Session
}

// NewURLFetcher creates the url strategy.
func NewURLFetcher(session *Session) *URLFetcher {
	return &URLFetcher{session: session}
}

// Fetch implements Fetcher
func (f *URLFetcher) Fetch(ctx context.Context, source Source, workingDir, destPath string, secrets Secrets) (Files, error) {
	if source.URL == "" {
		return nil, fmt.Errorf("url source has no url")
	}

	if destPath == "" {
		parsed, err := url.Parse(source.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL %q: %w", source.URL, err)
		}
		destPath = path.Base(parsed.Path)
		if destPath == "/" || destPath == "." || destPath == "" {
			destPath = "index.html"
		}
	}

	if err := f.session.Fetch(ctx, source.URL, filepath.Join(workingDir, destPath)); err != nil {
		return nil, err
	}

	return CollectFile(workingDir, destPath)
}
