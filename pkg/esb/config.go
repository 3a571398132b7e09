package esb

import (
	"fmt"
	"net/url"
	"time"
	_ "time/tzdata"
)

// Endpoints are the portal URLs. The zero value is not usable, start from
// DefaultEndpoints.
type Endpoints struct {
	// LoginURL is the first page requested; it redirects to the identity
	// provider.
	LoginURL string `json:"loginURL"`
	// AuthBaseURL is the identity provider policy root that SelfAsserted
	// and the confirmation endpoint hang off.
	AuthBaseURL string `json:"authBaseURL"`
	// AuthOrigin is sent as Origin and Referer on identity provider posts.
	AuthOrigin     string `json:"authOrigin"`
	Policy         string `json:"policy"`
	AccountURL     string `json:"accountURL"`
	ConsumptionURL string `json:"consumptionURL"`
	TokenURL       string `json:"tokenURL"`
	DownloadURL    string `json:"downloadURL"`
}

// DefaultEndpoints returns the production ESB Networks URLs.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		LoginURL:       "https://myaccount.esbnetworks.ie/",
		AuthBaseURL:    "https://login.esbnetworks.ie/esbntwkscustportalprdb2c01.onmicrosoft.com/B2C_1A_signup_signin",
		AuthOrigin:     "https://login.esbnetworks.ie",
		Policy:         "B2C_1A_signup_signin",
		AccountURL:     "https://myaccount.esbnetworks.ie",
		ConsumptionURL: "https://myaccount.esbnetworks.ie/Api/HistoricConsumption",
		TokenURL:       "https://myaccount.esbnetworks.ie/af/t",
		DownloadURL:    "https://myaccount.esbnetworks.ie/DataHub/DownloadHdfPeriodic",
	}
}

// WithBase returns a copy of the endpoints with every host replaced by base,
// keeping the paths. Tests point the whole flow at one httptest server with
// it.
func (e Endpoints) WithBase(base string) (Endpoints, error) {
	b, err := url.Parse(base)
	if err != nil {
		return e, err
	}
	rebase := func(s string) (string, error) {
		u, err := url.Parse(s)
		if err != nil {
			return "", err
		}
		u.Scheme = b.Scheme
		u.Host = b.Host
		return u.String(), nil
	}
	out := e
	for _, f := range []*string{&out.LoginURL, &out.AuthBaseURL, &out.AuthOrigin, &out.AccountURL, &out.ConsumptionURL, &out.TokenURL, &out.DownloadURL} {
		if *f, err = rebase(*f); err != nil {
			return e, err
		}
	}
	return out, nil
}

// Validate checks that every URL parses as absolute.
func (e Endpoints) Validate() error {
	fields := map[string]string{
		"loginURL":       e.LoginURL,
		"authBaseURL":    e.AuthBaseURL,
		"authOrigin":     e.AuthOrigin,
		"accountURL":     e.AccountURL,
		"consumptionURL": e.ConsumptionURL,
		"tokenURL":       e.TokenURL,
		"downloadURL":    e.DownloadURL,
	}
	for name, v := range fields {
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("invalid %s: %q is not absolute", name, v)
		}
	}
	if e.Policy == "" {
		return fmt.Errorf("missing policy")
	}
	return nil
}

// Config holds everything a Fetcher needs besides its collaborators. It is
// built once at startup and not changed afterwards.
type Config struct {
	Endpoints Endpoints
	// Timeout bounds each individual request.
	Timeout time.Duration
	// MaxExportBytes bounds the size of the downloaded export.
	MaxExportBytes int64
	// Retention drops readings older than this from snapshots.
	Retention time.Duration
	// Location is the timezone the export's timestamps are written in.
	Location *time.Location
}

// DublinLocation is the timezone of the portal.
var DublinLocation = mustLoadLocation("Europe/Dublin")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Errorf("failed to load %s location: %w", name, err))
	}
	return loc
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Endpoints:      DefaultEndpoints(),
		Timeout:        30 * time.Second,
		MaxExportBytes: 10 * 1024 * 1024,
		Retention:      90 * 24 * time.Hour,
		Location:       DublinLocation,
	}
}
