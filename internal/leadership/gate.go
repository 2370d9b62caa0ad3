/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package leadership

import (
	"context"

	"github.com/rs/zerolog"
)

// Leader is the part of Election a Gate needs.
type Leader interface {
	IsLeader() bool
	Changes() <-chan bool
}

// Gate runs fn while this node is leader. fn's context is cancelled when
// leadership is lost; it is started again when leadership returns.
func Gate(ctx context.Context, leader Leader, name string, logger zerolog.Logger, fn func(ctx context.Context) error) error {
	logger = logger.With().Str("worker", name).Logger()
	changes := leader.Changes()

	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	stop := func() {
		if cancel == nil {
			return
		}
		cancel()
		<-done
		cancel, done = nil, nil
	}
	start := func() {
		if cancel != nil {
			return
		}
		var wctx context.Context
		wctx, cancel = context.WithCancel(ctx)
		done = make(chan struct{})
		finished := done
		logger.Info().Msg("leader worker starting")
		go func() {
			defer close(finished)
			if err := fn(wctx); err != nil && wctx.Err() == nil {
				logger.Error().Err(err).Msg("leader worker failed")
			}
		}()
	}
	defer stop()

	if leader.IsLeader() {
		start()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case isLeader := <-changes:
			if isLeader {
				start()
			} else {
				logger.Info().Msg("leader worker stopping")
				stop()
			}
		case <-done:
			// The worker returned on its own; restart on the next change.
			cancel()
			cancel, done = nil, nil
		}
	}
}
