package pull

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrForbiddenHost is returned when a URL points at a host that must
// never be fetched. It is a security rejection, distinct from ordinary
// network failures, and is never downgraded.
var ErrForbiddenHost = errors.New("host is forbidden")

const maxRedirects = 5

// Session is an HTTP client hardened against server side request
// forgery. The initial URL and every redirect target are vetted before
// any request to them is made: the host must be present, must not be on
// the denylist, must not be an IP literal, and must not resolve to a
// loopback or private address.
type Session struct {
	client *http.Client
	denied map[string]bool
	lookup func(host string) ([]net.IP, error)
}

// NewSession creates a session that refuses to fetch from the given
// hostnames, on top of the built-in loopback and private address
// checks.
func NewSession(deniedHosts []string, timeout time.Duration) *Session {
	denied := make(map[string]bool, len(deniedHosts))
	for _, host := range deniedHosts {
		denied[strings.ToLower(host)] = true
	}

	session := &Session{
		denied: denied,
		lookup: net.LookupIP,
	}

	session.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return session.CheckURL(req.URL)
		},
	}

	return session
}

// CheckURL vets a URL against the SSRF rules. It performs no request to
// the URL itself.
func (s *Session) CheckURL(u *url.URL) error {
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: URL %q has no host", ErrForbiddenHost, u.Redacted())
	}

	if s.denied[host] {
		return fmt.Errorf("%w: %q is denylisted", ErrForbiddenHost, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return fmt.Errorf("%w: %q is an IP literal", ErrForbiddenHost, host)
	}

	ips, err := s.lookup(host)
	if err != nil {
		return fmt.Errorf("failed to resolve %q: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: %q resolves to internal address %s", ErrForbiddenHost, host, ip)
		}
	}

	return nil
}

// Get fetches a URL after vetting it. The caller owns the response body.
func (s *Session) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if err := s.CheckURL(u); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %q: %w", rawURL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s fetching %q", resp.Status, rawURL)
	}

	return resp, nil
}

// Fetch streams a URL to a file, writing directly to disk rather than
// buffering the body in memory.
func (s *Session) Fetch(ctx context.Context, rawURL, dest string) error {
	resp, err := s.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", dest, err)
	}

	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", dest, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		return fmt.Errorf("failed to write %q: %w", dest, err)
	}

	return nil
}
