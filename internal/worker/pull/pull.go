package pull

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/cascadehq/conductor/internal/jobs"
	"github.com/cascadehq/conductor/internal/worker"
)

// Source is a declarative description of where to pull from. Type
// selects the fetch strategy; the other fields are strategy-specific.
type Source struct {
	Type string `json:"type"`

	// URL sources
	URL string `json:"url,omitempty"`

	// GitHub sources
	Repo    string `json:"repo,omitempty"`
	Subpath string `json:"subpath,omitempty"`

	// Google Docs and Drive sources
	DocID    string `json:"doc_id,omitempty"`
	FolderID string `json:"folder_id,omitempty"`

	// eLife and PLOS sources
	Article string `json:"article,omitempty"`

	// Upload sources
	Path string `json:"path,omitempty"`
}

// Secrets are caller-supplied credentials for a pull, e.g. OAuth
// tokens. Never logged.
type Secrets map[string]string

// FromAddress parses a compact source address like "github://org/repo"
// or "gdoc://1AbC" into a Source. Plain http(s) URLs are url sources.
func FromAddress(address string) (Source, error) {
	scheme, rest, found := strings.Cut(address, "://")
	if !found {
		return Source{}, fmt.Errorf("invalid source address %q", address)
	}

	switch scheme {
	case "http", "https":
		return Source{Type: "url", URL: address}, nil
	case "github":
		parts := strings.SplitN(rest, "/", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return Source{}, fmt.Errorf("invalid github address %q", address)
		}
		source := Source{Type: "github", Repo: parts[0] + "/" + parts[1]}
		if len(parts) == 3 {
			source.Subpath = parts[2]
		}
		return source, nil
	case "gdoc":
		return Source{Type: "gdoc", DocID: rest}, nil
	case "gdrive":
		return Source{Type: "gdrive", FolderID: rest}, nil
	case "elife":
		return Source{Type: "elife", Article: rest}, nil
	case "plos":
		return Source{Type: "plos", Article: rest}, nil
	case "upload":
		return Source{Type: "upload", Path: rest}, nil
	}

	return Source{}, fmt.Errorf("unrecognized source address scheme %q", scheme)
}

// ToAddress formats a Source back into its compact address.
// FromAddress(ToAddress(s)) is the identity for every source type.
func ToAddress(source Source) (string, error) {
	switch source.Type {
	case "url":
		return source.URL, nil
	case "github":
		address := "github://" + source.Repo
		if source.Subpath != "" {
			address += "/" + source.Subpath
		}
		return address, nil
	case "gdoc":
		return "gdoc://" + source.DocID, nil
	case "gdrive":
		return "gdrive://" + source.FolderID, nil
	case "elife":
		return "elife://" + source.Article, nil
	case "plos":
		return "plos://" + source.Article, nil
	case "upload":
		return "upload://" + source.Path, nil
	}
	return "", fmt.Errorf("unrecognized source type %q", source.Type)
}

// Fetcher pulls one kind of source into the working directory at the
// given relative path, returning the metadata of everything it wrote.
type Fetcher interface {
	Fetch(ctx context.Context, source Source, workingDir, path string, secrets Secrets) (Files, error)
}

// Registry maps source types to their fetch strategies. Adding a
// source type is a registry entry, nothing more.
type Registry struct {
	fetchers map[string]Fetcher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: map[string]Fetcher{}}
}

// NewDefaultRegistry creates a registry with every built-in strategy
// registered. bucket may be nil when no upload bucket is configured.
func NewDefaultRegistry(session *Session, bucket *minio.Client, bucketName string) *Registry {
	registry := NewRegistry()
	registry.Register("url", NewURLFetcher(session))
	registry.Register("upload", NewUploadFetcher(bucket, bucketName))
	registry.Register("github", NewGithubFetcher())
	registry.Register("gdoc", NewGdocFetcher())
	registry.Register("gdrive", NewGdriveFetcher())
	registry.Register("elife", NewElifeFetcher(session))
	registry.Register("plos", NewPlosFetcher(session))
	return registry
}

// Register adds or replaces the strategy for a source type.
func (r *Registry) Register(sourceType string, fetcher Fetcher) {
	r.fetchers[strings.ToLower(sourceType)] = fetcher
}

// Dispatch fetches a source using the strategy registered for its type.
func (r *Registry) Dispatch(ctx context.Context, source Source, workingDir, path string, secrets Secrets) (Files, error) {
	fetcher, ok := r.fetchers[strings.ToLower(source.Type)]
	if !ok {
		return nil, fmt.Errorf("unrecognized source type %q", source.Type)
	}
	return fetcher.Fetch(ctx, source, workingDir, path, secrets)
}

// Job runs pull jobs on a worker: it dispatches the job's source to
// the registered strategy inside the job's working directory.
type Job struct {
	registry *Registry
	logger   *slog.Logger
}

// NewJob creates the pull job implementation.
func NewJob(registry *Registry, logger *slog.Logger) *Job {
	return &Job{registry: registry, logger: logger}
}

// Run implements worker.Job
func (j *Job) Run(ctx context.Context, harness *worker.Harness, params json.RawMessage) (interface{}, error) {
	var spec struct {
		Source  Source  `json:"source"`
		Path    string  `json:"path"`
		Secrets Secrets `json:"secrets"`
	}
	if err := json.Unmarshal(params, &spec); err != nil {
		return nil, fmt.Errorf("invalid pull params: %w", err)
	}

	harness.Logf(ctx, jobs.LogLevelInfo, "Pulling %s source", spec.Source.Type)

	// The runner has already entered the job's working directory.
	files, err := j.registry.Dispatch(ctx, spec.Source, ".", spec.Path, spec.Secrets)
	if err != nil {
		return nil, err
	}

	harness.Logf(ctx, jobs.LogLevelInfo, "Pulled %d file(s)", len(files))
	return files, nil
}
