package pull

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/beevik/etree"
)

const hrefAttr = "xlink:href"

// rewriteGraphics walks a JATS article tree, downloads every graphic it
// references into a sibling media directory, and rewrites the reference
// to point at the local copy. resolve maps a graphic's href to the URL
// it can be downloaded from and the extension of the downloaded image.
func rewriteGraphics(
	ctx context.Context,
	session *Session,
	doc *etree.Document,
	workingDir string,
	mediaDir string,
	resolve func(href string) (url, extension string),
) error {
	if err := os.MkdirAll(filepath.Join(workingDir, mediaDir), 0o755); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}

	index := 0
	for _, tag := range []string{"//graphic", "//inline-graphic"} {
		for _, graphic := range doc.FindElements(tag) {
			attr := graphic.SelectAttr(hrefAttr)
			if attr == nil || attr.Value == "" {
				continue
			}

			url, extension := resolve(attr.Value)
			index++
			local := path.Join(mediaDir, fmt.Sprintf("%03d%s", index, extension))

			if err := session.Fetch(ctx, url, filepath.Join(workingDir, local)); err != nil {
				return fmt.Errorf("failed to fetch graphic %q: %w", attr.Value, err)
			}

			attr.Value = local
		}
	}

	return nil
}

// fetchArticle downloads and parses a JATS XML article.
func fetchArticle(ctx context.Context, session *Session, url string) (*etree.Document, error) {
	resp, err := session.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("failed to parse article XML: %w", err)
	}
	return doc, nil
}

// writeArticle serializes a rewritten article to its destination and
// returns the Files map of the article and its media directory.
func writeArticle(doc *etree.Document, workingDir, destPath, mediaDir string) (Files, error) {
	dest := filepath.Join(workingDir, destPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %q: %w", dest, err)
	}

	doc.Indent(2)
	if err := doc.WriteToFile(dest); err != nil {
		return nil, fmt.Errorf("failed to write %q: %w", dest, err)
	}

	files, err := CollectFile(workingDir, destPath)
	if err != nil {
		return nil, err
	}
	media, err := CollectDir(workingDir, mediaDir)
	if err != nil {
		return nil, err
	}
	for mediaPath, info := range media {
		files[mediaPath] = info
	}

	return files, nil
}
