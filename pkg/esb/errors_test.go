package esb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	t.Run("Is", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", &Error{Kind: KindCaptcha, Step: "confirm"})
		assert.ErrorIs(t, err, ErrCaptchaRequired)
		assert.NotErrorIs(t, err, ErrShape)
		assert.NotErrorIs(t, err, ErrRejected)

		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, "confirm", e.Step)
		assert.Equal(t, KindCaptcha, KindOf(err))
	})

	t.Run("Message", func(t *testing.T) {
		err := &Error{Kind: KindHTTP, Step: "token", StatusCode: 502, Err: errors.New("502 Bad Gateway")}
		assert.Equal(t, "esb http error during token (status 502): 502 Bad Gateway", err.Error())

		err = &Error{Kind: KindTooLarge, Step: "download", Size: 2048}
		assert.Equal(t, "esb too_large error during download (2048 bytes)", err.Error())
	})

	t.Run("Retryable", func(t *testing.T) {
		tests := []struct {
			err       *Error
			retryable bool
			userFix   bool
		}{
			{&Error{Kind: KindNetwork}, true, false},
			{&Error{Kind: KindUnavailable}, true, false},
			{&Error{Kind: KindHTTP, StatusCode: http.StatusTooManyRequests}, true, false},
			{&Error{Kind: KindHTTP, StatusCode: http.StatusServiceUnavailable}, true, false},
			{&Error{Kind: KindHTTP, StatusCode: http.StatusNotFound}, false, false},
			{&Error{Kind: KindShape}, false, false},
			{&Error{Kind: KindTooLarge}, false, false},
			{&Error{Kind: KindCaptcha}, false, true},
			{&Error{Kind: KindRejected}, false, true},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.retryable, tt.err.Retryable(), tt.err.Kind.String())
			assert.Equal(t, tt.retryable, IsRetryable(tt.err), tt.err.Kind.String())
			assert.Equal(t, tt.userFix, tt.err.NeedsUserAction(), tt.err.Kind.String())
		}
		assert.False(t, IsRetryable(errors.New("plain")))
	})

	t.Run("Classify", func(t *testing.T) {
		assert.NoError(t, classify("x", nil))

		assert.Equal(t, context.Canceled, classify("x", context.Canceled))

		orig := &Error{Kind: KindShape, Step: "settings"}
		assert.Same(t, orig, classify("download", orig))

		err := classify("download", errors.New("connection reset"))
		assert.Equal(t, KindNetwork, KindOf(err))
		assert.True(t, IsRetryable(err))
	})
}
