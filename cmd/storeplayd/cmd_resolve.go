/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/storeplay/internal/db"
	"github.com/friendsincode/storeplay/internal/schedule"
)

var (
	resolveStore string
	resolveAt    string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show which style a store should play at a given time",
	RunE:  runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().StringVar(&resolveStore, "store", "", "Store ID (required)")
	resolveCmd.Flags().StringVar(&resolveAt, "at", "", "Instant in RFC3339 (default now)")
	_ = resolveCmd.MarkFlagRequired("store")
}

func runResolve(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	at := time.Now()
	if resolveAt != "" {
		var err error
		if at, err = time.Parse(time.RFC3339, resolveAt); err != nil {
			return fmt.Errorf("parse --at: %w", err)
		}
	}

	database, repo, err := openCatalog()
	if err != nil {
		return err
	}
	defer db.Close(database)

	ctx := context.Background()
	store, err := repo.GetStore(ctx, resolveStore)
	if err != nil {
		return fmt.Errorf("store %s: %w", resolveStore, err)
	}

	svc := schedule.NewService(repo, schedule.NewResolver(cfg.TieBreak), 0, logger)
	styleID, ok, err := svc.ResolveActiveStyle(ctx, store.ID, at)
	if err != nil {
		return err
	}

	local := at.In(store.Location()).Format("2006-01-02 15:04 MST")
	out := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintf(out, "%s at %s: no style scheduled\n", store.Name, local)
		return nil
	}
	name := styleID
	if style, found := svc.Style(styleID); found {
		name = style.Name
	}
	fmt.Fprintf(out, "%s at %s: %s (%s)\n", store.Name, local, name, styleID)
	return nil
}
