package esb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind says what went wrong during a fetch and therefore how it should
// be retried.
type ErrorKind int

const (
	// KindShape means a page or response did not have the expected
	// structure. Retrying soon will not help.
	KindShape ErrorKind = iota + 1
	// KindCaptcha means the portal demanded a CAPTCHA. A person has to log
	// in through a browser.
	KindCaptcha
	// KindRejected means the portal refused the credentials.
	KindRejected
	// KindTooLarge means the export exceeded the size limit.
	KindTooLarge
	// KindHTTP is an unexpected HTTP status.
	KindHTTP
	// KindNetwork covers transport failures and timeouts.
	KindNetwork
	// KindUnavailable means the fetch was skipped because the breaker is
	// open or the daily quota is spent.
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindShape:
		return "shape"
	case KindCaptcha:
		return "captcha"
	case KindRejected:
		return "rejected"
	case KindTooLarge:
		return "too_large"
	case KindHTTP:
		return "http"
	case KindNetwork:
		return "network"
	case KindUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrShape matches errors of KindShape with errors.Is.
	ErrShape = errors.New("unexpected response shape")
	// ErrCaptchaRequired matches errors of KindCaptcha with errors.Is.
	ErrCaptchaRequired = errors.New("captcha verification required")
	// ErrRejected matches errors of KindRejected with errors.Is.
	ErrRejected = errors.New("login rejected")
	// ErrTooLarge matches errors of KindTooLarge with errors.Is.
	ErrTooLarge = errors.New("response too large")
	// ErrUnavailable matches errors of KindUnavailable with errors.Is.
	ErrUnavailable = errors.New("temporarily unavailable")
)

var kindSentinels = map[ErrorKind]error{
	KindShape:       ErrShape,
	KindCaptcha:     ErrCaptchaRequired,
	KindRejected:    ErrRejected,
	KindTooLarge:    ErrTooLarge,
	KindUnavailable: ErrUnavailable,
}

// Error is returned by every fetch failure that is not a context
// cancellation.
type Error struct {
	Kind ErrorKind
	// Step names the request that failed, e.g. "settings" or "download".
	Step string
	// StatusCode is set for KindHTTP and KindRejected when the portal
	// answered with an error status.
	StatusCode int
	// Size is the offending length for KindTooLarge.
	Size int64
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("esb %s error", e.Kind)
	if e.Step != "" {
		msg += " during " + e.Step
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Size != 0 {
		msg += fmt.Sprintf(" (%d bytes)", e.Size)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match an Error against its kind's sentinel.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// Retryable reports whether the next scheduled attempt may succeed without
// anyone changing anything.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindUnavailable:
		return true
	case KindHTTP:
		return isRetryableStatus(e.StatusCode)
	default:
		return false
	}
}

// NeedsUserAction reports whether a person has to intervene before fetching
// can work again.
func (e *Error) NeedsUserAction() bool {
	return e.Kind == KindCaptcha || e.Kind == KindRejected
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsRetryable reports whether err is an *Error that is worth retrying.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

func shapeError(step string, format string, args ...any) *Error {
	return &Error{Kind: KindShape, Step: step, Err: fmt.Errorf(format, args...)}
}

func statusError(step string, resp *http.Response) *Error {
	return &Error{Kind: KindHTTP, Step: step, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
}

// classify turns transport errors into *Error. Context cancellation and
// errors that are already classified are returned unchanged.
func classify(step string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// timeouts, resets and dns failures all come out of the http client
	// as *url.Error
	return &Error{Kind: KindNetwork, Step: step, Err: err}
}
