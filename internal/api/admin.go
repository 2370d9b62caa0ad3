/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"time"

	"github.com/friendsincode/storeplay/internal/logbuffer"
)

const defaultLogLimit = 500

func (a *API) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.catalog.Stats(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"catalog":         stats,
		"attached_stores": len(a.playout.Sessions()),
	})
}

func (a *API) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.playout.Sessions())
}

func (a *API) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	if a.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}

	limit, err := queryInt(r, "limit", defaultLogLimit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	params := logbuffer.QueryParams{
		Level:      q.Get("level"),
		Component:  q.Get("component"),
		StoreID:    q.Get("store_id"),
		Search:     q.Get("search"),
		Limit:      limit,
		Descending: q.Get("order") != "asc",
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			params.Since = t
		}
	}

	entries := a.logBuffer.Query(params)
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"stats":   a.logBuffer.StatsForStore(params.StoreID),
	})
}
