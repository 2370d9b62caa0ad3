/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/storeplay/internal/catalog"
)

// activeStyleResponse is the answer of the schedule resolver for one store.
type activeStyleResponse struct {
	StoreID string `json:"store_id"`
	At      string `json:"at"`
	StyleID string `json:"style_id,omitempty"`
	Found   bool   `json:"found"`
}

func (a *API) writeActiveStyle(w http.ResponseWriter, r *http.Request, storeID string) {
	at, err := a.parseAt(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if _, err := a.catalog.GetStore(r.Context(), storeID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	styleID, ok, err := a.schedule.ResolveActiveStyle(r.Context(), storeID, at)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activeStyleResponse{
		StoreID: storeID,
		At:      at.In(a.schedule.Location(storeID)).Format(time.RFC3339),
		StyleID: styleID,
		Found:   ok,
	})
}

func (a *API) handleStoreActiveStyle(w http.ResponseWriter, r *http.Request) {
	a.writeActiveStyle(w, r, chi.URLParam(r, "storeID"))
}

func (a *API) handleStylesList(w http.ResponseWriter, r *http.Request) {
	styles, err := a.catalog.ListStyles(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, styles)
}

func (a *API) handleStylesCreate(w http.ResponseWriter, r *http.Request) {
	var req catalog.CreateStyleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	style, err := a.catalog.CreateStyle(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, style)
}

func (a *API) handleStyleMixUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MixURL string `json:"mix_url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	styleID := chi.URLParam(r, "styleID")
	if err := a.catalog.SetStyleMix(r.Context(), styleID, req.MixURL); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	style, err := a.catalog.GetStyle(r.Context(), styleID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, style)
}

func (a *API) handleStoresList(w http.ResponseWriter, r *http.Request) {
	stores, err := a.catalog.ListStores(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stores)
}

func (a *API) handleStoresCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Timezone string `json:"timezone"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	store, err := a.catalog.CreateStore(r.Context(), req.Name, req.Timezone)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, store)
}

// handleRulesList returns global rules plus those of store_id when given.
func (a *API) handleRulesList(w http.ResponseWriter, r *http.Request) {
	rules, err := a.catalog.ListRules(r.Context(), r.URL.Query().Get("store_id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (a *API) handleRulesCreate(w http.ResponseWriter, r *http.Request) {
	var req catalog.CreateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	rule, err := a.catalog.CreateRule(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) handleRulesDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.catalog.DeleteRule(r.Context(), chi.URLParam(r, "ruleID")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
