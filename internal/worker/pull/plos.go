package pull

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// PlosFetcher pulls a PLOS article by DOI as self-contained JATS XML,
// downloading every referenced figure and rewriting it to a local path.
type PlosFetcher struct {
	session *Session
}

// NewPlosFetcher creates the plos strategy.
func NewPlosFetcher(session *Session) *PlosFetcher {
	return &PlosFetcher{session: session}
}

// Fetch implements Fetcher
func (f *PlosFetcher) Fetch(ctx context.Context, source Source, workingDir, destPath string, secrets Secrets) (Files, error) {
	if source.Article == "" {
		return nil, fmt.Errorf("plos source has no article")
	}

	doc, err := fetchArticle(ctx, f.session, fmt.Sprintf(
		"https://journals.plos.org/plosone/article/file?id=%s&type=manuscript",
		url.QueryEscape(source.Article)))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch PLOS article %s: %w", source.Article, err)
	}

	if destPath == "" {
		// DOIs contain slashes; keep only the final component.
		parts := strings.Split(source.Article, "/")
		destPath = parts[len(parts)-1] + ".xml"
	}
	mediaDir := destPath + ".media"

	// Graphic hrefs in PLOS JATS are themselves DOIs.
	resolve := func(href string) (string, string) {
		return fmt.Sprintf(
			"https://journals.plos.org/plosone/article/figure/image?size=large&id=%s",
			url.QueryEscape(href),
		), ".png"
	}
	if err := rewriteGraphics(ctx, f.session, doc, workingDir, mediaDir, resolve); err != nil {
		return nil, err
	}

	return writeArticle(doc, workingDir, destPath, mediaDir)
}
