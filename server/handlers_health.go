package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/onnwee/roomwatch/session"
)

// HandleHealthz is the liveness probe. It pings the database when one is
// configured.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs the readiness checks in order and reports the first
// failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"credentials", func() error {
			if h.deps.Credentials == nil {
				return errors.New("no credential provider")
			}
			_, err := h.deps.Credentials.SessionToken(r.Context())
			return err
		}},
		{"session", func() error {
			if !h.deps.RequireListening || h.deps.Session == nil {
				return nil
			}
			if st := h.deps.Session.Status(); st.State != (session.Listening{}).Name() {
				return fmt.Errorf("session is %s", st.State)
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
