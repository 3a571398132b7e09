package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/esbmeter/esbmeter/pkg/coordinator"
	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/session"
	"github.com/esbmeter/esbmeter/pkg/types"
)

const maxCookieBody = 64 << 10

type usageResponse struct {
	MPRN      string          `json:"mprn"`
	Totals    types.Totals    `json:"totals"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Latest    time.Time       `json:"latestReading,omitzero"`
	Readings  []types.Reading `json:"readings,omitempty"`
}

// handleUsage returns the totals from the last successful fetch. The raw
// readings are included with ?readings=true.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	st := s.coordinator.Latest()
	if st.Snapshot == nil || st.Totals == nil {
		writeJSONError(w, "no usage fetched yet", http.StatusServiceUnavailable)
		return
	}
	res := usageResponse{
		MPRN:      st.MPRN,
		Totals:    *st.Totals,
		FetchedAt: st.Snapshot.FetchedAt(),
		Latest:    st.Snapshot.Latest(),
	}
	if r.URL.Query().Get("readings") == "true" {
		res.Readings = st.Snapshot.Readings()
	}
	writeJSON(w, res, http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.coordinator.Latest(), http.StatusOK)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log.Ctx(ctx).InfoContext(ctx, "refresh requested")
	s.coordinator.Refresh()
	writeJSON(w, struct {
		Status string `json:"status"`
	}{Status: "queued"}, http.StatusAccepted)
}

// handleCookies stores a cookie header copied from a logged in browser and
// triggers a fetch that uses it. This is how a CAPTCHA is worked around.
func (s *Server) handleCookies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.cookies == nil {
		writeJSONError(w, "cookies cannot be saved", http.StatusNotImplemented)
		return
	}

	var req struct {
		Cookies string `json:"cookies"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCookieBody)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.cookies.SaveManualCookies(ctx, req.Cookies); err != nil {
		if errors.Is(err, session.ErrNoCookies) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to save cookies", slog.Any("error", err))
		writeJSONError(w, "failed to save cookies", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "saved manual cookies, refreshing")
	s.coordinator.Refresh()
	writeJSON(w, struct {
		Status string `json:"status"`
	}{Status: "saved"}, http.StatusOK)
}

var _ Coordinator = (*coordinator.Coordinator)(nil)
