package widget

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lastclick/go/internal/identity"
	"github.com/mcdev12/lastclick/go/internal/window"
)

// AdminSecretHeader carries the shared secret for operator endpoints.
const AdminSecretHeader = "X-Admin-Secret"

type HandlerConfig struct {
	CookieName   string
	SecureCookie bool
	AdminSecret  string
}

// SubscriberCounter reports the number of live observers.
type SubscriberCounter interface {
	Count() int
}

// Handler serves the JSON API.
type Handler struct {
	app         *App
	config      HandlerConfig
	limiter     *RateLimiter
	subscribers SubscriberCounter
}

func NewHandler(app *App, config HandlerConfig, limiter *RateLimiter, subscribers SubscriberCounter) *Handler {
	if config.CookieName == "" {
		config.CookieName = "lastclick_token"
	}
	return &Handler{
		app:         app,
		config:      config,
		limiter:     limiter,
		subscribers: subscribers,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/consent", h.limited(h.HandleConsent))
	mux.HandleFunc("POST /api/visit", h.limited(h.HandleVisit))
	mux.HandleFunc("POST /api/press", h.limited(h.HandlePress))
	mux.HandleFunc("GET /api/state", h.HandleState)
	mux.HandleFunc("POST /api/admin/reset-window", h.HandleResetWindow)
	mux.HandleFunc("GET /health", h.HandleHealth)
}

func (h *Handler) limited(next http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return next
	}
	return h.limiter.Middleware(next)
}

func (h *Handler) token(r *http.Request) string {
	c, err := r.Cookie(h.config.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// HandleConsent issues the visitor cookie.
func (h *Handler) HandleConsent(w http.ResponseWriter, r *http.Request) {
	v, err := h.app.Consent(r.Context(), h.token(r))
	if errors.Is(err, identity.ErrCapReached) {
		writeError(w, http.StatusForbidden, "visitor limit reached")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("consent failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.config.CookieName,
		Value:    v.Token,
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   h.config.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, v)
}

// HandleVisit credits the caller to the current window.
func (h *Handler) HandleVisit(w http.ResponseWriter, r *http.Request) {
	count, err := h.app.Visit(r.Context(), h.token(r))
	if errors.Is(err, identity.ErrUnknownVisitor) {
		writeError(w, http.StatusUnauthorized, "consent required")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("visit failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]*int64{"visitsToday": count})
}

// HandlePress resets the countdown.
func (h *Handler) HandlePress(w http.ResponseWriter, r *http.Request) {
	deadline, err := h.app.Press(r.Context(), h.token(r))
	if errors.Is(err, identity.ErrUnknownVisitor) {
		writeError(w, http.StatusUnauthorized, "consent required")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("press failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"endsAt":    deadline.UnixMilli(),
		"remaining": h.app.Countdown.Remaining(),
	})
}

func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Snapshot(r.Context()))
}

// HandleResetWindow is the operator window reset, gated by the admin
// secret header.
func (h *Handler) HandleResetWindow(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r.Header.Get(AdminSecretHeader)) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	win, err := h.app.ResetWindow(r.Context())
	if errors.Is(err, window.ErrNotSynced) {
		writeError(w, http.StatusServiceUnavailable, "time oracle not synced")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("window reset failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resetResponse(win))
}

func (h *Handler) authorized(secret string) bool {
	return authorized(h.config.AdminSecret, secret)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status
		Subscribers int `json:"subscribers"`
	}{Status: h.app.Status()}
	if h.subscribers != nil {
		resp.Subscribers = h.subscribers.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

type resetBody struct {
	WindowStart int64  `json:"windowStart"`
	WindowKey   string `json:"windowKey"`
}

func resetResponse(w window.Window) resetBody {
	return resetBody{WindowStart: w.Start.UnixMilli(), WindowKey: w.Key}
}

// authorized compares secrets in constant time. An empty configured
// secret disables the operator endpoints.
func authorized(want, got string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
