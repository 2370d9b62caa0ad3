/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/friendsincode/storeplay/internal/auth"
	"github.com/friendsincode/storeplay/internal/events"
	"github.com/friendsincode/storeplay/internal/sink"
)

const eventPingInterval = 15 * time.Second

// handlePlayerSocket attaches the connecting player to its store. The
// request blocks for the life of the connection.
func (a *API) handlePlayerSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storeID, err := auth.CurrentStoreID(ctx)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if _, err := a.catalog.GetStore(ctx, storeID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Str("store_id", storeID).Msg("websocket accept failed")
		return
	}

	player := sink.NewWSSink(storeID, conn, a.logger)
	if err := a.playout.Attach(ctx, storeID, player); err != nil {
		a.logger.Warn().Err(err).Str("store_id", storeID).Msg("player attach failed")
		conn.Close(ws.StatusTryAgainLater, "attach failed")
		return
	}
	defer a.playout.Detach(storeID, player)

	if err := player.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Debug().Err(err).Str("store_id", storeID).Msg("player connection ended")
	}
}

// handleEvents streams bus events to an admin client. The types query
// parameter selects event types; the default is session state and errors.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	eventTypes := parseEventTypes(r.URL.Query().Get("types"))
	if len(eventTypes) == 0 {
		eventTypes = []events.EventType{events.EventSessionState, events.EventSessionError, events.EventStyleChanged}
	}

	type tagged struct {
		eventType events.EventType
		payload   events.Payload
	}
	merged := make(chan tagged, 64)
	fwdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, eventType := range eventTypes {
		sub := a.bus.Subscribe(eventType)
		defer a.bus.Unsubscribe(eventType, sub)
		go func(eventType events.EventType, sub events.Subscriber) {
			for {
				select {
				case <-fwdCtx.Done():
					return
				case payload, ok := <-sub:
					if !ok {
						return
					}
					select {
					case merged <- tagged{eventType, payload}:
					case <-fwdCtx.Done():
						return
					}
				}
			}
		}(eventType, sub)
	}

	// Reads only to notice the client going away.
	ctx = conn.CloseRead(ctx)

	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				a.logger.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		case ev := <-merged:
			if err := writeEvent(ctx, conn, ev.eventType, ev.payload); err != nil {
				a.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *ws.Conn, eventType events.EventType, payload events.Payload) error {
	data, err := json.Marshal(map[string]any{
		"type":    eventType,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, data)
}
