package pull

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
)

// GithubFetcher pulls a snapshot of a repository, or a sub-path of one,
// via the GitHub API.
type GithubFetcher struct{}

// NewGithubFetcher creates the github strategy.
func NewGithubFetcher() *GithubFetcher {
	return &GithubFetcher{}
}

// Fetch implements Fetcher
func (f *GithubFetcher) Fetch(ctx context.Context, source Source, workingDir, destPath string, secrets Secrets) (Files, error) {
	owner, repo, found := strings.Cut(source.Repo, "/")
	if !found || owner == "" || repo == "" {
		return nil, fmt.Errorf("invalid github repo %q", source.Repo)
	}

	client := f.client(ctx, secrets)

	// The API resolves the archive to a short-lived download URL.
	archiveURL, _, err := client.Repositories.GetArchiveLink(
		ctx, owner, repo, github.Zipball, &github.RepositoryContentGetOptions{}, maxRedirects)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archive for %q: %w", source.Repo, err)
	}

	archive, err := os.CreateTemp("", "github-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary archive: %w", err)
	}
	defer os.Remove(archive.Name())
	defer archive.Close()

	if err := download(ctx, archiveURL.String(), archive); err != nil {
		return nil, fmt.Errorf("failed to download archive for %q: %w", source.Repo, err)
	}

	dest := filepath.Join(workingDir, destPath)
	if err := extractRepoZip(archive.Name(), dest, source.Subpath); err != nil {
		return nil, fmt.Errorf("failed to extract archive for %q: %w", source.Repo, err)
	}

	if destPath == "" {
		destPath = "."
	}
	return CollectDir(workingDir, destPath)
}

// client builds an authenticated client when the caller supplied a
// token, otherwise an anonymous, rate-limited one.
func (f *GithubFetcher) client(ctx context.Context, secrets Secrets) *github.Client {
	token := secrets["token"]
	if token == "" {
		return github.NewClient(nil)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

// download streams a URL into an open file. The URL comes from the
// GitHub API itself, not from the caller, so the hardened session is
// not needed here.
func download(ctx context.Context, url string, dest *os.File) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	_, err = io.Copy(dest, resp.Body)
	return err
}

// extractRepoZip extracts a repository zipball into dest, stripping the
// top-level "<repo>-<sha>/" component and keeping only entries under
// subpath (relocated to the root of dest).
func extractRepoZip(archive, dest, subpath string) error {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer reader.Close()

	prefix := ""
	if subpath != "" {
		prefix = strings.TrimSuffix(subpath, "/") + "/"
	}

	for _, entry := range reader.File {
		// Strip the "<repo>-<sha>/" component GitHub puts at the top.
		_, name, found := strings.Cut(entry.Name, "/")
		if !found || name == "" {
			continue
		}

		if prefix != "" {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			name = strings.TrimPrefix(name, prefix)
			if name == "" {
				continue
			}
		}

		path, err := securePath(dest, name)
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
