package types

import (
	"time"
)

// SessionRecord is an authenticated portal session that can be reused instead
// of logging in again.
type SessionRecord struct {
	Cookies       map[string]string `json:"cookies"`
	UserAgent     string            `json:"user_agent"`
	DownloadToken *string           `json:"download_token"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	MPRN          string            `json:"mprn"`
}

// Valid reports whether the record can be used for mprn at now.
func (r *SessionRecord) Valid(mprn string, now time.Time) bool {
	if r == nil {
		return false
	}
	return len(r.Cookies) > 0 && now.Before(r.ExpiresAt) && r.MPRN == mprn
}

// Token returns the download token or an empty string.
func (r *SessionRecord) Token() string {
	if r == nil || r.DownloadToken == nil {
		return ""
	}
	return *r.DownloadToken
}
