package pull

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		want    Source
		hasErr  bool
	}{
		{
			name:    "https URL",
			address: "https://example.org/data.csv",
			want:    Source{Type: "url", URL: "https://example.org/data.csv"},
		},
		{
			name:    "http URL",
			address: "http://example.org/",
			want:    Source{Type: "url", URL: "http://example.org/"},
		},
		{
			name:    "github repo",
			address: "github://acme/handbook",
			want:    Source{Type: "github", Repo: "acme/handbook"},
		},
		{
			name:    "github repo with subpath",
			address: "github://acme/handbook/docs/guides",
			want:    Source{Type: "github", Repo: "acme/handbook", Subpath: "docs/guides"},
		},
		{
			name:    "google doc",
			address: "gdoc://1AbCdEfG",
			want:    Source{Type: "gdoc", DocID: "1AbCdEfG"},
		},
		{
			name:    "google drive folder",
			address: "gdrive://0B9qWx",
			want:    Source{Type: "gdrive", FolderID: "0B9qWx"},
		},
		{
			name:    "elife article",
			address: "elife://52258",
			want:    Source{Type: "elife", Article: "52258"},
		},
		{
			name:    "plos article DOI",
			address: "plos://10.1371/journal.pone.0229075",
			want:    Source{Type: "plos", Article: "10.1371/journal.pone.0229075"},
		},
		{
			name:    "upload",
			address: "upload://account-1/report.zip",
			want:    Source{Type: "upload", Path: "account-1/report.zip"},
		},
		{
			name:    "missing scheme separator",
			address: "just-a-string",
			hasErr:  true,
		},
		{
			name:    "unrecognized scheme",
			address: "ftp://example.org/data.csv",
			hasErr:  true,
		},
		{
			name:    "github without repo",
			address: "github://acme",
			hasErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, err := FromAddress(tt.address)
			if tt.hasErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, source)
		})
	}
}

func TestAddressRoundTrip(t *testing.T) {
	for _, address := range []string{
		"https://example.org/data.csv",
		"github://acme/handbook",
		"github://acme/handbook/docs/guides",
		"gdoc://1AbCdEfG",
		"gdrive://0B9qWx",
		"elife://52258",
		"plos://10.1371/journal.pone.0229075",
		"upload://account-1/report.zip",
	} {
		source, err := FromAddress(address)
		require.NoError(t, err)
		back, err := ToAddress(source)
		require.NoError(t, err)
		assert.Equal(t, address, back)
	}
}

func TestToAddressUnknownType(t *testing.T) {
	_, err := ToAddress(Source{Type: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestRegistryDispatch(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Dispatch(t.Context(), Source{Type: "carrier-pigeon"}, ".", "", nil)
	assert.ErrorContains(t, err, "unrecognized source type")

	// Registration is case insensitive both ways.
	registry.Register("URL", NewURLFetcher(NewSession(nil, 0)))
	_, ok := registry.fetchers["url"]
	assert.True(t, ok)
}
