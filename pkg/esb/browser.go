package esb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/esbmeter/esbmeter/pkg/common"
	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/session"
)

// maxPageBytes bounds how much of an HTML or JSON page is read.
const maxPageBytes = 5 << 20

// Browser is one emulated browser: a cookie jar and a user agent that stay
// the same for every request, including the no-redirect requests.
type Browser struct {
	ep        Endpoints
	jar       *cookiejar.Jar
	userAgent string
	client    *http.Client
	noFollow  *http.Client
	delay     Delayer
	maxExport int64
}

// NewBrowser returns a browser with an empty cookie jar.
func NewBrowser(cfg Config, userAgent string, delay Delayer) (*Browser, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if delay == nil {
		delay = NoDelay{}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	opts := common.BrowserClientOptions{
		Timeout:   cfg.Timeout,
		Jar:       jar,
		UserAgent: userAgent,
		Transport: transport,
	}
	b := &Browser{
		ep:        cfg.Endpoints,
		jar:       jar,
		userAgent: userAgent,
		client:    common.BrowserClient(opts),
		delay:     delay,
		maxExport: cfg.MaxExportBytes,
	}
	opts.NoRedirects = true
	b.noFollow = common.BrowserClient(opts)
	return b, nil
}

// UserAgent returns the user agent every request is sent with.
func (b *Browser) UserAgent() string {
	return b.userAgent
}

// Close releases pooled connections. The browser must not be used afterwards.
func (b *Browser) Close() {
	// both clients share one transport
	common.CloseIdleConnections(b.client)
}

func (b *Browser) cookieURLs() []*url.URL {
	var urls []*url.URL
	for _, s := range []string{b.ep.AccountURL, b.ep.AuthOrigin} {
		if u, err := url.Parse(s); err == nil {
			urls = append(urls, u)
		}
	}
	return urls
}

// Cookies returns the cookies the browser holds for the portal and the
// identity provider.
func (b *Browser) Cookies() map[string]string {
	return session.CookiesFromJar(b.jar, b.cookieURLs()...)
}

// LoadCookies seeds the jar, e.g. from a stored session.
func (b *Browser) LoadCookies(cookies map[string]string) {
	session.LoadIntoJar(b.jar, cookies, b.cookieURLs()...)
}

func setDocumentHeaders(req *http.Request, site string) {
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", site)
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}

func setCORSHeaders(req *http.Request, accept string) {
	req.Header.Set("Accept", accept)
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
}

func (b *Browser) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

func (b *Browser) newPostFormRequest(ctx context.Context, endpoint string, params url.Values, data url.Values) (*http.Request, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (b *Browser) newPostJSONRequest(ctx context.Context, endpoint string, data any) (*http.Request, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do sends req and reads up to limit bytes of the body. Status codes are left
// for the caller to judge.
func (b *Browser) do(step string, client *http.Client, req *http.Request, limit int64) (*http.Response, []byte, error) {
	ctx := req.Context()
	log.Ctx(ctx).DebugContext(ctx, "portal request", slog.String("step", step), slog.String("method", req.Method), slog.String("url", req.URL.Redacted()))

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, classify(step, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, nil, classify(step, err)
	}
	log.Ctx(ctx).DebugContext(ctx, "portal response", slog.String("step", step), slog.Int("status", resp.StatusCode), slog.Int("bytes", len(body)))
	return resp, body, nil
}

// ValidateSession checks whether the cookies in the jar are still logged in
// by loading the consumption page without following redirects. An expired
// session is bounced to the login page.
func (b *Browser) ValidateSession(ctx context.Context) (bool, error) {
	const step = "validate"
	req, err := b.newGetRequest(ctx, b.ep.ConsumptionURL, nil)
	if err != nil {
		return false, err
	}
	setDocumentHeaders(req, "same-origin")
	req.Header.Set("Referer", b.ep.AccountURL+"/")

	resp, _, err := b.do(step, b.noFollow, req, maxPageBytes)
	if err != nil {
		return false, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode >= 300 && resp.StatusCode < 400,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		log.Ctx(ctx).InfoContext(ctx, "stored session is no longer logged in", slog.Int("status", resp.StatusCode))
		return false, nil
	default:
		return false, statusError(step, resp)
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

// FetchToken requests the anti-forgery token that authorizes the export
// download.
func (b *Browser) FetchToken(ctx context.Context) (string, error) {
	const step = "token"
	req, err := b.newGetRequest(ctx, b.ep.TokenURL, nil)
	if err != nil {
		return "", err
	}
	setCORSHeaders(req, "*/*")
	req.Header.Set("X-Returnurl", b.ep.ConsumptionURL)
	req.Header.Set("Referer", b.ep.ConsumptionURL)

	resp, body, err := b.do(step, b.client, req, maxPageBytes)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", statusError(step, resp)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &Error{Kind: KindShape, Step: step, Err: fmt.Errorf("invalid token response: %w", err)}
	}
	if tr.Token == "" {
		return "", shapeError(step, "token response has no token")
	}
	return tr.Token, nil
}

// Download posts the export request and returns the raw CSV. The size limit
// is enforced against Content-Length before reading and against the bytes
// actually read.
func (b *Browser) Download(ctx context.Context, token, mprn string) ([]byte, error) {
	const step = "download"
	req, err := b.newPostJSONRequest(ctx, b.ep.DownloadURL, map[string]string{
		"mprn":       mprn,
		"searchType": "intervalkw",
	})
	if err != nil {
		return nil, err
	}
	setCORSHeaders(req, "*/*")
	req.Header.Set("Referer", b.ep.ConsumptionURL)
	req.Header.Set("X-Returnurl", b.ep.ConsumptionURL)
	req.Header.Set("X-Xsrf-Token", token)
	req.Header.Set("Origin", b.ep.AccountURL)

	log.Ctx(ctx).DebugContext(ctx, "portal request", slog.String("step", step), slog.String("url", req.URL.Redacted()))
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, classify(step, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, statusError(step, resp)
	}
	if b.maxExport > 0 && resp.ContentLength > b.maxExport {
		log.Ctx(ctx).ErrorContext(ctx, "export too large", slog.Int64("contentLength", resp.ContentLength), slog.Int64("limit", b.maxExport))
		return nil, &Error{Kind: KindTooLarge, Step: step, Size: resp.ContentLength, Err: fmt.Errorf("content length exceeds %d bytes", b.maxExport)}
	}

	r := io.Reader(resp.Body)
	if b.maxExport > 0 {
		r = io.LimitReader(resp.Body, b.maxExport+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classify(step, err)
	}
	if b.maxExport > 0 && int64(len(data)) > b.maxExport {
		log.Ctx(ctx).ErrorContext(ctx, "export too large", slog.Int("read", len(data)), slog.Int64("limit", b.maxExport))
		return nil, &Error{Kind: KindTooLarge, Step: step, Size: int64(len(data)), Err: fmt.Errorf("body exceeds %d bytes", b.maxExport)}
	}
	log.Ctx(ctx).DebugContext(ctx, "export downloaded", slog.Int("bytes", len(data)))
	return data, nil
}

// isAuthStatus reports whether err is the portal saying the session is not
// logged in.
func isAuthStatus(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindHTTP {
		return false
	}
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}
