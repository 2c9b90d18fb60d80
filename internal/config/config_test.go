package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehub/safehub/internal/models"
)

const sampleConfig = `{
  "groups": [
    {
      "id": "device_security",
      "title": "Device security",
      "sources": [
        {
          "id": "lockscreen",
          "type": "dynamic",
          "packageName": "com.example.lockscreen",
          "certHashes": ["aaaa", "bbbb"],
          "maxSeverity": 3,
          "enabled": true
        },
        {
          "id": "legacy",
          "type": "static",
          "maxSeverity": 0,
          "enabled": true
        },
        {
          "id": "retired",
          "type": "dynamic",
          "packageName": "com.example.retired",
          "maxSeverity": 1,
          "enabled": false
        }
      ]
    },
    {
      "id": "privacy",
      "sources": [
        {
          "id": "permissions",
          "type": "issue-only",
          "packageName": "com.example.permissions",
          "maxSeverity": 2,
          "allowedCategories": ["privacy", "personal_*"],
          "enabled": true
        }
      ]
    }
  ]
}`

func TestParseAndIndex(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	source, ok := cfg.Source("lockscreen")
	require.True(t, ok)
	assert.Equal(t, "com.example.lockscreen", source.PackageName)

	groupID, ok := cfg.GroupID("permissions")
	require.True(t, ok)
	assert.Equal(t, "privacy", groupID)

	_, ok = cfg.Source("nonexistent")
	assert.False(t, ok)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not json", doc: "{nope"},
		{name: "no groups", doc: `{"groups": []}`},
		{name: "group without sources", doc: `{"groups": [{"id": "g", "sources": []}]}`},
		{name: "source without id", doc: `{"groups": [{"id": "g", "sources": [{"type": "dynamic", "packageName": "p", "maxSeverity": 1}]}]}`},
		{name: "bad source type", doc: `{"groups": [{"id": "g", "sources": [{"id": "s", "type": "weird", "packageName": "p", "maxSeverity": 1}]}]}`},
		{name: "dynamic source without package", doc: `{"groups": [{"id": "g", "sources": [{"id": "s", "type": "dynamic", "maxSeverity": 1}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestIsConfigured(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	assert.True(t, cfg.IsConfigured("lockscreen"))
	assert.False(t, cfg.IsConfigured("retired"), "disabled sources do not count")
	assert.False(t, cfg.IsConfigured("nonexistent"))
}

func TestActiveSourcesSkipsStaticAndDisabled(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	var ids []string
	for _, s := range cfg.ActiveSources() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"lockscreen", "permissions"}, ids)
}

func TestAllowsCategory(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	lockscreen, _ := cfg.Source("lockscreen")
	assert.True(t, lockscreen.AllowsCategory(models.CategoryData), "empty allowlist allows everything")

	permissions, _ := cfg.Source("permissions")
	assert.True(t, permissions.AllowsCategory(models.CategoryPrivacy))
	assert.True(t, permissions.AllowsCategory(models.CategoryPersonalSafety), "wildcard pattern matches")
	assert.False(t, permissions.AllowsCategory(models.CategoryLockscreen))
}

func TestMatchesCert(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.True(t, cfg.MatchesCert("lockscreen", []string{"bbbb"}))
	assert.False(t, cfg.MatchesCert("lockscreen", []string{"ffff"}))
	assert.False(t, cfg.MatchesCert("lockscreen", nil))

	// Supplementary runtime allowlist.
	cfg.SetAdditionalCertHashes("lockscreen", []string{"cccc"})
	assert.True(t, cfg.MatchesCert("lockscreen", []string{"cccc"}))

	// Sources with no configured hashes accept any caller.
	assert.True(t, cfg.MatchesCert("permissions", nil))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	_, ok := cfg.Source("lockscreen")
	assert.True(t, ok)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
