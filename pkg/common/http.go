package common

import (
	_ "embed"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the embedded release version.
func Version() string {
	return strings.TrimSpace(version)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
	// browser adds the headers a desktop browser always sends when the
	// caller has not set them already.
	browser bool
}

// RoundTrip implements http.RoundTripper.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	if t.browser {
		if req.Header.Get("Accept-Language") == "" {
			req.Header.Set("Accept-Language", "en-IE,en;q=0.9")
		}
		if req.Header.Get("Accept") == "" {
			req.Header.Set("Accept", "*/*")
		}
	}
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with the service user-agent set.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: "esbmeter/" + Version(),
		},
		Timeout: timeout,
	}
}

// BrowserClientOptions configure BrowserClient.
type BrowserClientOptions struct {
	Timeout   time.Duration
	Jar       http.CookieJar
	UserAgent string
	// NoRedirects makes the client return 3xx responses to the caller
	// instead of following them.
	NoRedirects bool
	// Transport defaults to a fresh clone of http.DefaultTransport so idle
	// connections can be closed once a flow finishes.
	Transport http.RoundTripper
}

// BrowserClient returns a client that looks like a single desktop browser: the
// same user agent on every request and cookies kept in the given jar.
func BrowserClient(opts BrowserClientOptions) *http.Client {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	c := &http.Client{
		Transport: &userAgentTransport{
			transport: transport,
			userAgent: opts.UserAgent,
			browser:   true,
		},
		Jar:     opts.Jar,
		Timeout: opts.Timeout,
	}
	if opts.NoRedirects {
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return c
}

// CloseIdleConnections releases pooled sockets held by a client built by
// BrowserClient or HTTPClient.
func CloseIdleConnections(c *http.Client) {
	if t, ok := c.Transport.(*userAgentTransport); ok {
		if ci, ok := t.transport.(interface{ CloseIdleConnections() }); ok {
			ci.CloseIdleConnections()
		}
		return
	}
	c.CloseIdleConnections()
}

// DefaultBrowserUserAgent is used when a session was supplied by hand and the
// browser it came from is unknown.
const DefaultBrowserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

var browserUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_1_0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:122.0) Gecko/20100101 Firefox/122.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.2; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36 Edg/121.0.0.0",
}

// RandomBrowserUserAgent picks a desktop browser user agent. Callers keep the
// result for a whole login flow.
func RandomBrowserUserAgent() string {
	return browserUserAgents[rand.IntN(len(browserUserAgents))]
}
