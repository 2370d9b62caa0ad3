/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/storeplay/internal/auth"
	"github.com/friendsincode/storeplay/internal/models"
)

var (
	tokenStore string
	tokenUser  string
	tokenRoles []string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token for a store player or an operator",
	RunE:  runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenStore, "store", "", "Store ID the token acts for")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "Operator ID for admin tokens")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "roles", []string{string(models.RolePlayer)}, "Roles (player, admin)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	claims, err := tokenClaims(tokenStore, tokenUser, tokenRoles)
	if err != nil {
		return err
	}
	token, err := auth.Issue([]byte(cfg.JWTSigningKey), claims, tokenTTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func tokenClaims(storeID, userID string, roles []string) (auth.Claims, error) {
	claims := auth.Claims{StoreID: strings.TrimSpace(storeID), UserID: strings.TrimSpace(userID)}
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		switch models.RoleName(role) {
		case models.RoleAdmin, models.RolePlayer:
			claims.Roles = append(claims.Roles, role)
		case "":
		default:
			return auth.Claims{}, fmt.Errorf("unknown role %q", role)
		}
	}
	if len(claims.Roles) == 0 {
		return auth.Claims{}, errors.New("at least one role is required")
	}
	if claims.StoreID == "" && claims.UserID == "" {
		return auth.Claims{}, errors.New("--store or --user is required")
	}
	return claims, nil
}
