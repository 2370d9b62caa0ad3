/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/friendsincode/storeplay/internal/auth"
	"github.com/friendsincode/storeplay/internal/catalog"
	"github.com/friendsincode/storeplay/internal/events"
	"github.com/friendsincode/storeplay/internal/logbuffer"
	"github.com/friendsincode/storeplay/internal/models"
	"github.com/friendsincode/storeplay/internal/playback"
	"github.com/friendsincode/storeplay/internal/playout"
	"github.com/friendsincode/storeplay/internal/progress"
	"github.com/friendsincode/storeplay/internal/schedule"
	"github.com/friendsincode/storeplay/internal/session"
)

const defaultAdminRateLimit = 120

// Deps are the services the HTTP API exposes.
type Deps struct {
	Catalog   *catalog.Repository
	Schedule  *schedule.Service
	Ledger    *progress.Ledger
	Playout   *playout.Manager
	Bus       *events.Bus
	LogBuffer *logbuffer.Buffer
	JWTSecret []byte

	// AdminRateLimit caps admin requests per client IP and minute.
	AdminRateLimit int

	Logger zerolog.Logger
	Now    func() time.Time
}

// API exposes HTTP handlers.
type API struct {
	catalog   *catalog.Repository
	schedule  *schedule.Service
	ledger    *progress.Ledger
	playout   *playout.Manager
	bus       *events.Bus
	logBuffer *logbuffer.Buffer
	jwtSecret []byte
	rateLimit int
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates the API router wrapper.
func New(deps Deps) *API {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.AdminRateLimit <= 0 {
		deps.AdminRateLimit = defaultAdminRateLimit
	}
	return &API{
		catalog:   deps.Catalog,
		schedule:  deps.Schedule,
		ledger:    deps.Ledger,
		playout:   deps.Playout,
		bus:       deps.Bus,
		logBuffer: deps.LogBuffer,
		jwtSecret: deps.JWTSecret,
		rateLimit: deps.AdminRateLimit,
		logger:    deps.Logger.With().Str("component", "api").Logger(),
		now:       deps.Now,
	}
}

// Routes mounts the API under /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.MiddlewareWithJWT(a.jwtSecret))

			// Player-facing routes, scoped to the store in the token.
			pr.Route("/me", func(r chi.Router) {
				r.Get("/active-style", a.handleMyActiveStyle)
				r.Get("/progress/{styleID}", a.handleMyProgress)
				r.Route("/session", func(r chi.Router) {
					r.Get("/", a.handleSessionGet)
					r.Post("/init", a.handleSessionInit)
					r.Post("/toggle", a.handleSessionToggle)
					r.Post("/volume", a.handleSessionVolume)
					r.Post("/style", a.handleSessionStyle)
					r.Post("/select", a.handleSessionSelect)
					r.Post("/auto", a.handleSessionAuto)
					r.Post("/seek", a.handleSessionSeek)
					r.Post("/stop", a.handleSessionStop)
					r.Post("/progress", a.handleSessionProgress)
				})
			})
			pr.Get("/player/ws", a.handlePlayerSocket)

			pr.Get("/styles", a.handleStylesList)
			pr.Get("/rules", a.handleRulesList)
			pr.Get("/stores/{storeID}/active-style", a.handleStoreActiveStyle)

			pr.Group(func(ar chi.Router) {
				ar.Use(auth.RequireRole(models.RoleAdmin))
				ar.Use(a.adminRateLimit())

				ar.Post("/styles", a.handleStylesCreate)
				ar.Put("/styles/{styleID}/mix", a.handleStyleMixUpdate)
				ar.Get("/stores", a.handleStoresList)
				ar.Post("/stores", a.handleStoresCreate)
				ar.Post("/rules", a.handleRulesCreate)
				ar.Delete("/rules/{ruleID}", a.handleRulesDelete)

				ar.Route("/admin", func(r chi.Router) {
					r.Get("/stats", a.handleAdminStats)
					r.Get("/sessions", a.handleAdminSessions)
					r.Get("/logs", a.handleAdminLogs)
					r.Get("/events", a.handleEvents)
				})
			})
		})
	})
}

func (a *API) adminRateLimit() func(http.Handler) http.Handler {
	window := time.Minute
	return httprate.Limit(
		a.rateLimit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded")
		}),
	)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseAt reads the optional "at" query parameter (RFC3339). Absent means now.
func (a *API) parseAt(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return a.now(), nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, playback.Misconfigured("at", "must be RFC3339")
	}
	return at, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return playback.Misconfigured("body", err.Error())
	}
	return nil
}

// writeServiceError maps domain errors onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var cfgErr *playback.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":  "configuration_error",
			"field":  cfgErr.Field,
			"reason": cfgErr.Reason,
		})
	case errors.Is(err, playback.ErrConfiguration):
		writeError(w, http.StatusUnprocessableEntity, "configuration_error")
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, auth.ErrNoStore):
		writeError(w, http.StatusUnauthorized, "store_required")
	case errors.Is(err, playback.ErrSinkUnavailable):
		writeError(w, http.StatusServiceUnavailable, "sink_unavailable")
	case errors.Is(err, playout.ErrDetached), errors.Is(err, playout.ErrShutdown):
		writeError(w, http.StatusConflict, "player_not_attached")
	case errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition")
	default:
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]events.EventType, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, events.EventType(part))
	}
	return out
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, playback.Misconfigured(name, fmt.Sprintf("invalid value %q", raw))
	}
	return n, nil
}
