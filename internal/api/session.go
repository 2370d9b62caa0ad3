/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/storeplay/internal/auth"
	"github.com/friendsincode/storeplay/internal/playback"
	"github.com/friendsincode/storeplay/internal/playout"
	"github.com/friendsincode/storeplay/internal/session"
)

// controller resolves the store in the token to its attached player. It
// writes the error response itself and returns nil when there is none.
func (a *API) controller(w http.ResponseWriter, r *http.Request) *playout.Controller {
	storeID, err := auth.CurrentStoreID(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return nil
	}
	ctrl, ok := a.playout.Get(storeID)
	if !ok {
		writeError(w, http.StatusConflict, "player_not_attached")
		return nil
	}
	return ctrl
}

// respond replies with the session state after a successful command.
func (a *API) respond(w http.ResponseWriter, r *http.Request, ctrl *playout.Controller, err error) {
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (a *API) handleMyActiveStyle(w http.ResponseWriter, r *http.Request) {
	storeID, err := auth.CurrentStoreID(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeActiveStyle(w, r, storeID)
}

func (a *API) handleMyProgress(w http.ResponseWriter, r *http.Request) {
	storeID, err := auth.CurrentStoreID(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	styleID := chi.URLParam(r, "styleID")
	if _, err := a.catalog.GetStyle(r.Context(), styleID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.ledger.Lookup(r.Context(), storeID, styleID))
}

func (a *API) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	ctrl := a.controller(w, r)
	if ctrl == nil {
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (a *API) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StyleID       string   `json:"style_id"`
		StartPosition *float64 `json:"start_position"`
		Volume        *float64 `json:"volume"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if req.StyleID == "" {
		a.writeServiceError(w, r, playback.Misconfigured("style_id", "required"))
		return
	}
	ctrl := a.controller(w, r)
	if ctrl == nil {
		return
	}

	var start float64
	if req.StartPosition != nil {
		start = *req.StartPosition
	} else {
		start = a.ledger.GetResumePosition(r.Context(), ctrl.StoreID(), req.StyleID)
	}
	volume := ctrl.Snapshot().Volume
	if req.Volume != nil {
		volume = *req.Volume
	}
	a.respond(w, r, ctrl, ctrl.InitStyle(r.Context(), req.StyleID, start, volume))
}

func (a *API) handleSessionToggle(w http.ResponseWriter, r *http.Request) {
	a.sessionCommand(w, r, func(ctx context.Context, s *session.Session) error {
		return s.TogglePlay(ctx)
	})
}

func (a *API) handleSessionVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume float64 `json:"volume"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.sessionCommand(w, r, func(ctx context.Context, s *session.Session) error {
		s.SetVolume(ctx, req.Volume)
		return nil
	})
}

func (a *API) handleSessionStyle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StyleID string `json:"style_id"`
		MixURL  string `json:"mix_url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if req.StyleID == "" {
		a.writeServiceError(w, r, playback.Misconfigured("style_id", "required"))
		return
	}
	ctrl := a.controller(w, r)
	if ctrl == nil {
		return
	}
	a.respond(w, r, ctrl, ctrl.StageStyle(r.Context(), req.StyleID, req.MixURL))
}

func (a *API) handleSessionSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StyleID string `json:"style_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if req.StyleID == "" {
		a.writeServiceError(w, r, playback.Misconfigured("style_id", "required"))
		return
	}
	ctrl := a.controller(w, r)
	if ctrl == nil {
		return
	}
	a.respond(w, r, ctrl, ctrl.SelectStyle(r.Context(), req.StyleID))
}

func (a *API) handleSessionAuto(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	ctrl := a.controller(w, r)
	if ctrl == nil {
		return
	}
	a.respond(w, r, ctrl, ctrl.SetAutoMode(r.Context(), req.Enabled))
}

func (a *API) handleSessionSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds float64 `json:"seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if req.Seconds < 0 {
		a.writeServiceError(w, r, playback.Misconfigured("seconds", "must not be negative"))
		return
	}
	a.sessionCommand(w, r, func(ctx context.Context, s *session.Session) error {
		return s.Seek(ctx, req.Seconds)
	})
}

func (a *API) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	a.sessionCommand(w, r, func(ctx context.Context, s *session.Session) error {
		return s.Stop(ctx)
	})
}

func (a *API) handleSessionProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds float64 `json:"seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.sessionCommand(w, r, func(_ context.Context, s *session.Session) error {
		s.SetProgress(req.Seconds)
		return nil
	})
}

// sessionCommand runs fn on the control loop of the caller's store.
func (a *API) sessionCommand(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, s *session.Session) error) {
	ctrl := a.controller(w, r)
	if ctrl == nil {
		return
	}
	ctx := r.Context()
	err := ctrl.Do(ctx, func(s *session.Session) error {
		return fn(ctx, s)
	})
	a.respond(w, r, ctrl, err)
}
