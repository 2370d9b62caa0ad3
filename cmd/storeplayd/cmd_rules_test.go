package main

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/storeplay/internal/catalog"
	"github.com/friendsincode/storeplay/internal/db"
)

func newImportRepo(t *testing.T) *catalog.Repository {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Migrate(database))
	return catalog.New(database, zerolog.Nop())
}

const sampleRules = `
styles:
  - name: Morning Jazz
    mix_url: s3://mixes/jazz.mp3
  - name: Lounge
rules:
  - style_id: Morning Jazz
    start: "09:00"
    end: "12:00"
  - style_id: lounge
    start: "22:00"
    end: "02:00"
    store_id: Downtown
`

func TestParseRuleFile(t *testing.T) {
	f, err := parseRuleFile(strings.NewReader(sampleRules))
	require.NoError(t, err)
	require.Len(t, f.Styles, 2)
	require.Len(t, f.Rules, 2)
	assert.Equal(t, "s3://mixes/jazz.mp3", f.Styles[0].MixURL)
	assert.Equal(t, "22:00", f.Rules[1].StartTime)
	assert.Equal(t, "Downtown", f.Rules[1].StoreID)

	_, err = parseRuleFile(strings.NewReader("rules:\n  - style: x\n"))
	assert.Error(t, err, "unknown keys must be rejected")

	empty, err := parseRuleFile(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty.Rules)
}

func TestImportRulesResolvesNames(t *testing.T) {
	ctx := context.Background()
	repo := newImportRepo(t)
	store, err := repo.CreateStore(ctx, "Downtown", "UTC")
	require.NoError(t, err)

	f, err := parseRuleFile(strings.NewReader(sampleRules))
	require.NoError(t, err)

	res, err := importRules(ctx, repo, f, false)
	require.NoError(t, err)
	assert.Equal(t, importResult{StylesCreated: 2, RulesImported: 2}, res)

	rules, err := repo.ListRules(ctx, store.ID)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	var scoped int
	for _, r := range rules {
		if r.StoreID != nil {
			scoped++
			assert.Equal(t, store.ID, *r.StoreID)
		}
	}
	assert.Equal(t, 1, scoped)

	// A second import reuses the existing styles.
	res, err = importRules(ctx, repo, f, true)
	require.NoError(t, err)
	assert.Equal(t, importResult{StylesCreated: 0, RulesImported: 2}, res)

	rules, err = repo.ListRules(ctx, store.ID)
	require.NoError(t, err)
	assert.Len(t, rules, 2, "replace must not accumulate rules")
}

func TestImportRulesUnknownReference(t *testing.T) {
	ctx := context.Background()
	repo := newImportRepo(t)

	f := ruleFile{Rules: []catalog.CreateRuleRequest{{StyleID: "missing", StartTime: "09:00", EndTime: "10:00"}}}
	_, err := importRules(ctx, repo, f, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown style "missing"`)
}

func TestTokenClaims(t *testing.T) {
	tests := []struct {
		name    string
		store   string
		user    string
		roles   []string
		wantErr bool
	}{
		{name: "player", store: "s1", roles: []string{"player"}},
		{name: "admin", user: "ops", roles: []string{"Admin "}},
		{name: "no subject", roles: []string{"player"}, wantErr: true},
		{name: "no roles", store: "s1", roles: []string{""}, wantErr: true},
		{name: "unknown role", store: "s1", roles: []string{"dj"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := tokenClaims(tt.store, tt.user, tt.roles)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, claims.Roles)
		})
	}
}
