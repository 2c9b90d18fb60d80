package aggregation

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehub/safehub/internal/config"
	"github.com/safehub/safehub/internal/dedup"
	"github.com/safehub/safehub/internal/dismissal"
	"github.com/safehub/safehub/internal/inflight"
	"github.com/safehub/safehub/internal/models"
	"github.com/safehub/safehub/internal/policy"
	"github.com/safehub/safehub/internal/refresh"
	"github.com/safehub/safehub/internal/sourcedata"
)

const aggConfig = `{
  "groups": [
    {
      "id": "groupA",
      "sources": [
        {"id": "srcA", "type": "dynamic", "packageName": "com.example.a", "maxSeverity": 3, "enabled": true},
        {"id": "srcManaged", "type": "issue-only", "packageName": "com.example.m", "maxSeverity": 3, "managedProfiles": true, "enabled": true}
      ]
    }
  ]
}`

type fixture struct {
	repo       *Repository
	sources    *sourcedata.Repository
	dismissals *dismissal.Store
}

func newFixture(t *testing.T, pol policy.Config, isManaged func(int32) bool) *fixture {
	t.Helper()
	cfg, err := config.Parse([]byte(aggConfig))
	require.NoError(t, err)
	store := dismissal.NewStore(filepath.Join(t.TempDir(), "d.json"), pol, &sync.Mutex{})
	sources := sourcedata.NewRepository(cfg, store, inflight.NewTracker(), refresh.NewTracker(), isManaged)
	repo := NewRepository(cfg, sources, dedup.NewDeduplicator(store), store, pol, isManaged)
	return &fixture{repo: repo, sources: sources, dismissals: store}
}

func setData(t *testing.T, f *fixture, sourceID string, caller sourcedata.Caller, user int32, data *models.SourceData) {
	t.Helper()
	_, err := f.sources.SetSourceData(data, sourceID, models.SafetyEvent{Type: models.EventSourceStateChanged}, caller, user)
	require.NoError(t, err)
}

func TestDedupDisabledServesSortedOnly(t *testing.T) {
	pol := policy.Default()
	pol.DedupEnabled = false
	f := newFixture(t, pol, nil)

	setData(t, f, "srcA", sourcedata.Caller{PackageName: "com.example.a"}, 0, &models.SourceData{
		Status: &models.SourceStatus{Severity: models.SeverityInformation},
		Issues: []models.Issue{
			{ID: "dup1", Severity: models.SeverityRecommendation, DedupGroup: "g", DedupID: "d"},
			{ID: "dup2", Severity: models.SeverityCriticalWarning, DedupGroup: "g", DedupID: "d"},
		},
	})
	f.repo.UpdateIssues(0)

	issues := f.repo.IssuesForUser(0)
	require.Len(t, issues, 2, "without dedup support all issues are served")
	assert.Equal(t, "dup2", issues[0].Issue.ID, "still sorted by descending severity")
	assert.Empty(t, f.repo.GroupMappingFor(issues[0].Key))
}

func TestManagedProfileSourceFiltering(t *testing.T) {
	isManaged := func(userID int32) bool { return userID == 10 }
	f := newFixture(t, policy.Default(), isManaged)

	setData(t, f, "srcManaged", sourcedata.Caller{PackageName: "com.example.m"}, 10, &models.SourceData{
		Issues: []models.Issue{{ID: "m1", Severity: models.SeverityRecommendation}},
	})
	f.repo.UpdateIssues(10)

	issues := f.repo.IssuesForUser(10)
	require.Len(t, issues, 1)
	assert.Equal(t, "m1", issues[0].Issue.ID)
}

func TestGroupMappingDefaultsToEmpty(t *testing.T) {
	f := newFixture(t, policy.Default(), nil)
	assert.Empty(t, f.repo.GroupMappingFor(models.IssueKey{SourceID: "srcA", SourceIssueID: "nope", UserID: 0}))
}

func TestCacheIsDerivedNotMutated(t *testing.T) {
	f := newFixture(t, policy.Default(), nil)
	setData(t, f, "srcA", sourcedata.Caller{PackageName: "com.example.a"}, 0, &models.SourceData{
		Status: &models.SourceStatus{Severity: models.SeverityInformation},
		Issues: []models.Issue{{ID: "i1", Severity: models.SeverityRecommendation}},
	})
	f.repo.UpdateIssues(0)
	require.Len(t, f.repo.IssuesForUser(0), 1)

	// Rebuilding after the source withdraws yields the derived view.
	setData(t, f, "srcA", sourcedata.Caller{PackageName: "com.example.a"}, 0, nil)
	f.repo.UpdateIssues(0)
	assert.Empty(t, f.repo.IssuesForUser(0))

	assert.ElementsMatch(t, []int32{0}, f.repo.CachedUsers())
	f.repo.ClearForUser(0)
	assert.Empty(t, f.repo.CachedUsers())
}
