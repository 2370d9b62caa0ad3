/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/friendsincode/storeplay/internal/catalog"
	"github.com/friendsincode/storeplay/internal/db"
)

var rulesReplace bool

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage schedule rules",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import FILE.yaml",
	Short: "Import styles and schedule rules from a YAML file",
	Long: `Import styles and schedule rules from a YAML file.

Styles are created when no style with the same name exists. Rules may
reference styles and stores by ID or by name. With --replace the whole
rule set is swapped in one transaction.

Example:
  styles:
    - name: Morning Jazz
      mix_url: s3://mixes/jazz.mp3
  rules:
    - style_id: Morning Jazz
      start: "09:00"
      end: "12:00"
    - style_id: Morning Jazz
      start: "22:00"
      end: "02:00"
      store_id: Downtown`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesImport,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesImportCmd)
	rulesImportCmd.Flags().BoolVar(&rulesReplace, "replace", false, "Replace every existing rule")
}

// ruleFile is the YAML layout accepted by rules import.
type ruleFile struct {
	Styles []catalog.CreateStyleRequest `yaml:"styles"`
	Rules  []catalog.CreateRuleRequest  `yaml:"rules"`
}

func parseRuleFile(r io.Reader) (ruleFile, error) {
	var f ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return f, nil
		}
		return ruleFile{}, fmt.Errorf("parse rules file: %w", err)
	}
	return f, nil
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	fh, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer fh.Close()

	f, err := parseRuleFile(fh)
	if err != nil {
		return err
	}

	database, repo, err := openCatalog()
	if err != nil {
		return err
	}
	defer db.Close(database)

	res, err := importRules(context.Background(), repo, f, rulesReplace)
	if err != nil {
		return err
	}
	logger.Info().
		Int("styles_created", res.StylesCreated).
		Int("rules_imported", res.RulesImported).
		Bool("replaced", rulesReplace).
		Msg("rules import complete")
	fmt.Fprintf(cmd.OutOrStdout(), "%d styles created, %d rules imported\n", res.StylesCreated, res.RulesImported)
	return nil
}

type importResult struct {
	StylesCreated int
	RulesImported int
}

// importRules creates missing styles, resolves names to IDs and stores the
// rules. Nothing is written for rules when any reference fails to resolve.
func importRules(ctx context.Context, repo *catalog.Repository, f ruleFile, replace bool) (importResult, error) {
	var res importResult

	styles, err := repo.ListStyles(ctx)
	if err != nil {
		return res, err
	}
	styleIDs := make(map[string]string, len(styles)*2)
	for _, s := range styles {
		styleIDs[s.ID] = s.ID
		styleIDs[strings.ToLower(s.Name)] = s.ID
	}
	for _, req := range f.Styles {
		if _, ok := styleIDs[strings.ToLower(req.Name)]; ok {
			continue
		}
		style, err := repo.CreateStyle(ctx, req)
		if err != nil {
			return res, fmt.Errorf("style %q: %w", req.Name, err)
		}
		styleIDs[style.ID] = style.ID
		styleIDs[strings.ToLower(style.Name)] = style.ID
		res.StylesCreated++
	}

	stores, err := repo.ListStores(ctx)
	if err != nil {
		return res, err
	}
	storeIDs := make(map[string]string, len(stores)*2)
	for _, s := range stores {
		storeIDs[s.ID] = s.ID
		storeIDs[strings.ToLower(s.Name)] = s.ID
	}

	reqs := make([]catalog.CreateRuleRequest, 0, len(f.Rules))
	for i, rule := range f.Rules {
		styleID, ok := lookupRef(styleIDs, rule.StyleID)
		if !ok {
			return res, fmt.Errorf("rule %d: unknown style %q", i+1, rule.StyleID)
		}
		rule.StyleID = styleID
		if rule.StoreID != "" {
			storeID, ok := lookupRef(storeIDs, rule.StoreID)
			if !ok {
				return res, fmt.Errorf("rule %d: unknown store %q", i+1, rule.StoreID)
			}
			rule.StoreID = storeID
		}
		reqs = append(reqs, rule)
	}

	if replace {
		created, err := repo.ReplaceRules(ctx, reqs)
		if err != nil {
			return res, err
		}
		res.RulesImported = len(created)
		return res, nil
	}
	for i, req := range reqs {
		if _, err := repo.CreateRule(ctx, req); err != nil {
			return res, fmt.Errorf("rule %d: %w", i+1, err)
		}
		res.RulesImported++
	}
	return res, nil
}

func lookupRef(ids map[string]string, ref string) (string, bool) {
	if id, ok := ids[ref]; ok {
		return id, true
	}
	id, ok := ids[strings.ToLower(strings.TrimSpace(ref))]
	return id, ok
}
