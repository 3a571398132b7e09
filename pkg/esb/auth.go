package esb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/types"
)

var settingsRegexp = regexp.MustCompile(`(?s)var\s+SETTINGS\s*=\s*(\{.*?\});`)

// markers the identity provider puts in pages that demand a CAPTCHA
var captchaMarkers = []string{
	"g-recaptcha-response",
	"captcha.html",
	`error_requiredFieldMissing":"Please confirm you are not a robot`,
}

func containsCaptcha(body []byte) bool {
	for _, m := range captchaMarkers {
		if bytes.Contains(body, []byte(m)) {
			return true
		}
	}
	return false
}

type loginSettings struct {
	CSRF    string `json:"csrf"`
	TransID string `json:"transId"`
}

// AuthResult is what a successful login leaves behind besides the cookies in
// the jar.
type AuthResult struct {
	DownloadToken string
	UserAgent     string
}

// Login walks the identity provider sign-in and portal navigation and ends
// with a download token. It pauses between every request.
func (b *Browser) Login(ctx context.Context, creds types.Credentials) (AuthResult, error) {
	log.Ctx(ctx).InfoContext(ctx, "logging in to esb networks", slog.String("user", creds.Username))

	settings, referer, err := b.loadLoginPage(ctx)
	if err != nil {
		return AuthResult{}, err
	}
	if err := b.delay.Delay(ctx); err != nil {
		return AuthResult{}, err
	}
	if err := b.submitCredentials(ctx, settings, referer, creds); err != nil {
		return AuthResult{}, err
	}
	if err := b.delay.Delay(ctx); err != nil {
		return AuthResult{}, err
	}
	action, fields, err := b.confirmSignIn(ctx, settings)
	if err != nil {
		return AuthResult{}, err
	}
	if err := b.delay.Delay(ctx); err != nil {
		return AuthResult{}, err
	}
	if err := b.submitAutoForm(ctx, action, fields); err != nil {
		return AuthResult{}, err
	}
	if err := b.delay.Delay(ctx); err != nil {
		return AuthResult{}, err
	}
	if err := b.navigate(ctx, "account", b.ep.AccountURL, b.ep.AuthOrigin+"/"); err != nil {
		return AuthResult{}, err
	}
	if err := b.delay.Delay(ctx); err != nil {
		return AuthResult{}, err
	}
	if err := b.navigate(ctx, "consumption", b.ep.ConsumptionURL, b.ep.AccountURL+"/"); err != nil {
		return AuthResult{}, err
	}
	if err := b.delay.Delay(ctx); err != nil {
		return AuthResult{}, err
	}
	token, err := b.FetchToken(ctx)
	if err != nil {
		return AuthResult{}, err
	}

	log.Ctx(ctx).InfoContext(ctx, "logged in to esb networks")
	return AuthResult{DownloadToken: token, UserAgent: b.userAgent}, nil
}

// loadLoginPage follows the login redirect to the identity provider and
// extracts the SETTINGS object. The final URL is returned for use as the
// Referer of the credential post.
func (b *Browser) loadLoginPage(ctx context.Context) (loginSettings, string, error) {
	const step = "settings"
	req, err := b.newGetRequest(ctx, b.ep.LoginURL, nil)
	if err != nil {
		return loginSettings{}, "", err
	}
	setDocumentHeaders(req, "none")

	resp, body, err := b.do(step, b.client, req, maxPageBytes)
	if err != nil {
		return loginSettings{}, "", err
	}
	if resp.StatusCode >= 400 {
		return loginSettings{}, "", statusError(step, resp)
	}

	m := settingsRegexp.FindSubmatch(body)
	if m == nil {
		return loginSettings{}, "", shapeError(step, "login page has no SETTINGS object")
	}
	var s loginSettings
	if err := json.Unmarshal(m[1], &s); err != nil {
		return loginSettings{}, "", &Error{Kind: KindShape, Step: step, Err: fmt.Errorf("invalid SETTINGS object: %w", err)}
	}
	if s.CSRF == "" || s.TransID == "" {
		return loginSettings{}, "", shapeError(step, "SETTINGS object is missing csrf or transId")
	}
	return s, resp.Request.URL.String(), nil
}

type selfAssertedResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (b *Browser) submitCredentials(ctx context.Context, s loginSettings, referer string, creds types.Credentials) error {
	const step = "credentials"
	params := url.Values{
		"tx": {s.TransID},
		"p":  {b.ep.Policy},
	}
	data := url.Values{
		"signInName":   {creds.Username},
		"password":     {creds.Password},
		"request_type": {"RESPONSE"},
	}
	req, err := b.newPostFormRequest(ctx, b.ep.AuthBaseURL+"/SelfAsserted", params, data)
	if err != nil {
		return err
	}
	setCORSHeaders(req, "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Csrf-Token", s.CSRF)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Origin", b.ep.AuthOrigin)
	req.Header.Set("Referer", referer)

	resp, body, err := b.do(step, b.client, req, maxPageBytes)
	if err != nil {
		return err
	}
	if containsCaptcha(body) {
		log.Ctx(ctx).WarnContext(ctx, "captcha required when submitting credentials")
		return &Error{Kind: KindCaptcha, Step: step, StatusCode: resp.StatusCode, Err: fmt.Errorf("captcha challenge in credential response")}
	}
	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: KindRejected, Step: step, StatusCode: resp.StatusCode, Err: fmt.Errorf("credential post returned %s", resp.Status)}
	}
	// the body is JSON with a status of "200" on success and "400" with a
	// message when the password is wrong
	var sar selfAssertedResponse
	if json.Unmarshal(body, &sar) == nil && sar.Status != "" && sar.Status != "200" {
		return &Error{Kind: KindRejected, Step: step, Err: fmt.Errorf("credentials rejected: %s", sar.Message)}
	}
	return nil
}

// confirmSignIn loads the confirmation page, which carries a self-submitting
// form with the authorization code for the portal.
func (b *Browser) confirmSignIn(ctx context.Context, s loginSettings) (string, url.Values, error) {
	const step = "confirm"
	params := url.Values{
		"rememberMe": {"false"},
		"csrf_token": {s.CSRF},
		"tx":         {s.TransID},
		"p":          {b.ep.Policy},
	}
	req, err := b.newGetRequest(ctx, b.ep.AuthBaseURL+"/api/CombinedSigninAndSignup/confirmed", params)
	if err != nil {
		return "", nil, err
	}
	setDocumentHeaders(req, "same-origin")

	resp, body, err := b.do(step, b.client, req, maxPageBytes)
	if err != nil {
		return "", nil, err
	}
	if containsCaptcha(body) {
		log.Ctx(ctx).WarnContext(ctx, "captcha required on sign-in confirmation")
		return "", nil, &Error{Kind: KindCaptcha, Step: step, StatusCode: resp.StatusCode, Err: fmt.Errorf("captcha challenge on confirmation page")}
	}
	if resp.StatusCode >= 400 {
		return "", nil, statusError(step, resp)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", nil, &Error{Kind: KindShape, Step: step, Err: fmt.Errorf("failed to parse confirmation page: %w", err)}
	}
	form := doc.Find("form#auto").First()
	if form.Length() == 0 {
		return "", nil, shapeError(step, "confirmation page has no auto-submit form")
	}
	action, ok := form.Attr("action")
	if !ok || strings.TrimSpace(action) == "" {
		return "", nil, shapeError(step, "auto-submit form has no action")
	}
	actionURL, err := resp.Request.URL.Parse(strings.TrimSpace(action))
	if err != nil {
		return "", nil, &Error{Kind: KindShape, Step: step, Err: fmt.Errorf("invalid form action: %w", err)}
	}

	fields := url.Values{}
	for _, name := range []string{"state", "client_info", "code"} {
		value, ok := form.Find(fmt.Sprintf("input[name=%q]", name)).First().Attr("value")
		if !ok || value == "" {
			return "", nil, shapeError(step, "auto-submit form is missing %s", name)
		}
		fields.Set(name, value)
	}
	return actionURL.String(), fields, nil
}

// submitAutoForm posts the authorization code to the portal. Redirects are
// not followed, the cookies set on this response are what matter.
func (b *Browser) submitAutoForm(ctx context.Context, action string, fields url.Values) error {
	const step = "authorize"
	req, err := b.newPostFormRequest(ctx, action, nil, fields)
	if err != nil {
		return err
	}
	setDocumentHeaders(req, "cross-site")
	req.Header.Set("Origin", b.ep.AuthOrigin)
	req.Header.Set("Referer", b.ep.AuthOrigin+"/")

	resp, _, err := b.do(step, b.noFollow, req, maxPageBytes)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return statusError(step, resp)
	}
	return nil
}

func (b *Browser) navigate(ctx context.Context, step, target, referer string) error {
	req, err := b.newGetRequest(ctx, target, nil)
	if err != nil {
		return err
	}
	setDocumentHeaders(req, "same-origin")
	req.Header.Set("Referer", referer)

	resp, _, err := b.do(step, b.client, req, maxPageBytes)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return statusError(step, resp)
	}
	return nil
}
