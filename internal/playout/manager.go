/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/friendsincode/storeplay/internal/mixsource"
	"github.com/friendsincode/storeplay/internal/playback"
	"github.com/friendsincode/storeplay/internal/session"
)

// ErrShutdown is returned by Attach once the manager is shutting down.
var ErrShutdown = errors.New("playout manager shut down")

type running struct {
	ctrl   *Controller
	cancel context.CancelFunc
}

// Manager tracks one controller per attached store.
type Manager struct {
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu          sync.Mutex
	controllers map[string]*running
	closed      bool
}

// NewManager creates a manager. Controllers live until Detach, the end of
// their player stream, or Shutdown.
func NewManager(deps Deps) *Manager {
	if deps.Sources == nil {
		deps.Sources = mixsource.NewResolver(nil, 0)
	}
	deps.Logger = deps.Logger.With().Str("component", "playout").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:        deps,
		ctx:         ctx,
		cancel:      cancel,
		controllers: make(map[string]*running),
	}
}

// Attach starts a control loop for storeID driving sink. A player already
// attached to the store is replaced.
func (m *Manager) Attach(ctx context.Context, storeID string, sink playback.Sink) error {
	if storeID == "" {
		return playback.Misconfigured("store_id", "required")
	}
	if _, err := m.deps.Catalog.GetStore(ctx, storeID); err != nil {
		return fmt.Errorf("attach %s: %w", storeID, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	previous := m.controllers[storeID]
	ctrl := newController(storeID, sink, m.deps)
	cctx, cancel := context.WithCancel(m.ctx)
	entry := &running{ctrl: ctrl, cancel: cancel}
	m.controllers[storeID] = entry
	m.mu.Unlock()

	if previous != nil {
		m.deps.Logger.Info().Str("store_id", storeID).Msg("replacing attached player")
		previous.cancel()
		<-previous.ctrl.Done()
	}

	m.group.Go(func() error {
		defer cancel()
		err := ctrl.Run(cctx)
		m.mu.Lock()
		if m.controllers[storeID] == entry {
			delete(m.controllers, storeID)
		}
		m.mu.Unlock()
		return err
	})
	return nil
}

// Detach stops the controller of storeID if it still drives sink. It
// reports whether a controller was stopped.
func (m *Manager) Detach(storeID string, sink playback.Sink) bool {
	m.mu.Lock()
	entry, ok := m.controllers[storeID]
	if !ok || entry.ctrl.sink != sink {
		m.mu.Unlock()
		return false
	}
	delete(m.controllers, storeID)
	m.mu.Unlock()

	entry.cancel()
	<-entry.ctrl.Done()
	m.deps.Ledger.Forget(storeID)
	return true
}

// Get returns the controller of storeID.
func (m *Manager) Get(storeID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.controllers[storeID]
	if !ok {
		return nil, false
	}
	return entry.ctrl, true
}

// Sessions returns the state of every attached store, ordered by store ID.
func (m *Manager) Sessions() []session.View {
	m.mu.Lock()
	views := make([]session.View, 0, len(m.controllers))
	for _, entry := range m.controllers {
		views = append(views, entry.ctrl.Snapshot())
	}
	m.mu.Unlock()
	sort.Slice(views, func(i, j int) bool { return views[i].StoreID < views[j].StoreID })
	return views
}

// Shutdown stops every controller and waits for them, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan error, 1)
	go func() { done <- m.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
