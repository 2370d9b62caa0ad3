/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/friendsincode/storeplay/internal/models"
	"github.com/friendsincode/storeplay/internal/playback"
)

// TieBreak decides between overlapping rules of the same scope.
type TieBreak string

const (
	// TieBreakNewest lets the most recently created rule win.
	TieBreakNewest TieBreak = "newest"
	// TieBreakOldest lets the first created rule win.
	TieBreakOldest TieBreak = "oldest"
)

// ParseTieBreak validates a policy name.
func ParseTieBreak(raw string) (TieBreak, error) {
	switch TieBreak(strings.ToLower(strings.TrimSpace(raw))) {
	case "", TieBreakNewest:
		return TieBreakNewest, nil
	case TieBreakOldest:
		return TieBreakOldest, nil
	default:
		return "", fmt.Errorf("unknown tie-break policy %q", raw)
	}
}

// Rule is a compiled schedule rule.
type Rule struct {
	ID        string
	StyleID   string
	StoreID   string // empty for global rules
	Window    Window
	CreatedAt time.Time
}

// Global reports whether the rule applies to all stores.
func (r Rule) Global() bool {
	return r.StoreID == ""
}

// Resolver picks the active style from a rule set. It holds no state beyond
// its policy and is safe for concurrent use.
type Resolver struct {
	policy TieBreak
}

// NewResolver creates a resolver. An empty policy means TieBreakNewest.
func NewResolver(policy TieBreak) *Resolver {
	if policy == "" {
		policy = TieBreakNewest
	}
	return &Resolver{policy: policy}
}

// Resolve returns the style that should play at now for storeID. Rules whose
// style is not playable are ignored. ok is false when nothing matches; the
// caller keeps whatever was playing.
func (r *Resolver) Resolve(now TimeOfDay, storeID string, rules []Rule, playable func(styleID string) bool) (styleID string, ok bool) {
	var best, bestGlobal *Rule
	for i := range rules {
		rule := &rules[i]
		if !rule.Window.Contains(now) {
			continue
		}
		if playable != nil && !playable(rule.StyleID) {
			continue
		}
		switch {
		case rule.Global():
			if bestGlobal == nil || r.prefer(rule, bestGlobal) {
				bestGlobal = rule
			}
		case rule.StoreID == storeID:
			if best == nil || r.prefer(rule, best) {
				best = rule
			}
		}
	}
	if best != nil {
		return best.StyleID, true
	}
	if bestGlobal != nil {
		return bestGlobal.StyleID, true
	}
	return "", false
}

// prefer reports whether a beats b under the policy. Equal creation times
// fall back to ID order so the result never depends on slice order.
func (r *Resolver) prefer(a, b *Rule) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if r.policy == TieBreakOldest {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	}
	if r.policy == TieBreakOldest {
		return a.ID < b.ID
	}
	return a.ID > b.ID
}

// Snapshot is an immutable compiled view of the rule set and the catalog.
type Snapshot struct {
	resolver *Resolver
	rules    []Rule
	playable map[string]bool
	builtAt  time.Time
}

// Compile converts stored rules and styles into a Snapshot. Malformed rules
// are skipped and reported; they never prevent the rest from compiling.
func Compile(rules []models.ScheduleRule, styles []models.Style, resolver *Resolver) (*Snapshot, []error) {
	if resolver == nil {
		resolver = NewResolver(TieBreakNewest)
	}
	snap := &Snapshot{
		resolver: resolver,
		rules:    make([]Rule, 0, len(rules)),
		playable: make(map[string]bool, len(styles)),
		builtAt:  time.Now(),
	}
	for _, style := range styles {
		snap.playable[style.ID] = style.HasMix()
	}

	var problems []error
	for _, row := range rules {
		window, err := ParseWindow(row.StartTime, row.EndTime)
		if err != nil {
			problems = append(problems, fmt.Errorf("rule %s: %w", row.ID, err))
			continue
		}
		if _, known := snap.playable[row.StyleID]; !known {
			problems = append(problems, fmt.Errorf("rule %s: %w", row.ID,
				playback.Misconfigured("style_id", "unknown style "+row.StyleID)))
			continue
		}
		storeID := ""
		if !row.IsGlobal() {
			storeID = *row.StoreID
		}
		snap.rules = append(snap.rules, Rule{
			ID:        row.ID,
			StyleID:   row.StyleID,
			StoreID:   storeID,
			Window:    window,
			CreatedAt: row.CreatedAt,
		})
	}

	// Sorted for stable listings only.
	sort.SliceStable(snap.rules, func(i, j int) bool {
		return snap.rules[i].ID < snap.rules[j].ID
	})
	return snap, problems
}

// Resolve evaluates the snapshot for storeID at the given local time of day.
func (s *Snapshot) Resolve(now TimeOfDay, storeID string) (string, bool) {
	if s == nil {
		return "", false
	}
	return s.resolver.Resolve(now, storeID, s.rules, s.Playable)
}

// Playable reports whether styleID has a mix source.
func (s *Snapshot) Playable(styleID string) bool {
	return s != nil && s.playable[styleID]
}

// Rules returns a copy of the compiled rules.
func (s *Snapshot) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// BuiltAt returns when the snapshot was compiled.
func (s *Snapshot) BuiltAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.builtAt
}
