package pull

import (
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, rawURL string) *url.URL {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u
}

func TestCheckURL(t *testing.T) {
	session := NewSession([]string{"metadata.google.internal", "Database"}, time.Second)
	session.lookup = func(host string) ([]net.IP, error) {
		switch host {
		case "example.org":
			return []net.IP{net.ParseIP("93.184.216.34")}, nil
		case "localhost":
			return []net.IP{net.ParseIP("127.0.0.1")}, nil
		case "intranet.corp":
			return []net.IP{net.ParseIP("10.0.0.7")}, nil
		case "sneaky.example.org":
			// Public first, internal second; any internal address rejects.
			return []net.IP{net.ParseIP("93.184.216.34"), net.ParseIP("169.254.169.254")}, nil
		}
		return nil, fmt.Errorf("no such host %q", host)
	}

	tests := []struct {
		name      string
		url       string
		forbidden bool
	}{
		{"public host allowed", "https://example.org/data.csv", false},
		{"missing host rejected", "https:///data.csv", true},
		{"denylisted host rejected", "http://metadata.google.internal/computeMetadata", true},
		{"denylist is case insensitive", "http://DATABASE:5432/", true},
		{"IPv4 literal rejected", "http://127.0.0.1/", true},
		{"public IPv4 literal rejected", "http://93.184.216.34/", true},
		{"IPv6 literal rejected", "http://[::1]/", true},
		{"loopback resolution rejected", "http://localhost:8080/", true},
		{"private resolution rejected", "https://intranet.corp/secrets", true},
		{"mixed resolution rejected", "https://sneaky.example.org/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := session.CheckURL(mustParse(t, tt.url))
			if tt.forbidden {
				assert.ErrorIs(t, err, ErrForbiddenHost)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckURLResolutionFailure(t *testing.T) {
	// A resolution failure is a network error, not a security rejection.
	session := NewSession(nil, time.Second)
	session.lookup = func(host string) ([]net.IP, error) {
		return nil, fmt.Errorf("no such host %q", host)
	}

	err := session.CheckURL(mustParse(t, "https://nonexistent.example.org/"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrForbiddenHost)
}

func TestGetRejectsBeforeRequest(t *testing.T) {
	// Forbidden URLs are rejected before any connection is attempted, so
	// a nil transport never gets exercised.
	session := NewSession([]string{"broker"}, time.Second)

	_, err := session.Get(t.Context(), "http://broker:5672/")
	assert.ErrorIs(t, err, ErrForbiddenHost)

	_, err = session.Get(t.Context(), "http://10.1.2.3/")
	assert.ErrorIs(t, err, ErrForbiddenHost)
}
