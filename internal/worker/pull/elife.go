package pull

import (
	"context"
	"fmt"
	"net/url"
)

// ElifeFetcher pulls an eLife article as self-contained JATS XML: the
// article itself plus every referenced graphic, downloaded from the
// eLife image server and rewritten to local paths.
type ElifeFetcher struct {
	session *Session
}

// NewElifeFetcher creates the elife strategy.
func NewElifeFetcher(session *Session) *ElifeFetcher {
	return &ElifeFetcher{session: session}
}

// Fetch implements Fetcher
func (f *ElifeFetcher) Fetch(ctx context.Context, source Source, workingDir, destPath string, secrets Secrets) (Files, error) {
	if source.Article == "" {
		return nil, fmt.Errorf("elife source has no article")
	}

	doc, err := fetchArticle(ctx, f.session,
		fmt.Sprintf("https://elifesciences.org/articles/%s.xml", source.Article))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch eLife article %s: %w", source.Article, err)
	}

	if destPath == "" {
		destPath = fmt.Sprintf("elife-%s.xml", source.Article)
	}
	mediaDir := destPath + ".media"

	resolve := func(href string) (string, string) {
		return fmt.Sprintf(
			"https://iiif.elifesciences.org/lax:%s%%2F%s/full/full/0/default.jpg",
			source.Article, url.PathEscape(href),
		), ".jpg"
	}
	if err := rewriteGraphics(ctx, f.session, doc, workingDir, mediaDir, resolve); err != nil {
		return nil, err
	}

	return writeArticle(doc, workingDir, destPath, mediaDir)
}
