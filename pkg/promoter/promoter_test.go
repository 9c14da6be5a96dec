package promoter

import (
	"context"
	"fmt"
	"testing"

	"github.com/canonical/test-observer/pkg/config"
	"github.com/canonical/test-observer/pkg/ledger"
	"github.com/canonical/test-observer/pkg/pipeline"
	"github.com/canonical/test-observer/pkg/stores"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient serves canned channel maps keyed by artefact name.
type fakeClient struct {
	entries map[string][]stores.ChannelEntry
	errs    map[string]error
}

func (f *fakeClient) ChannelMap(
	_ context.Context, a *ledger.Artefact, _ []string,
) ([]stores.ChannelEntry, error) {
	if err, ok := f.errs[a.Name]; ok {
		return nil, err
	}

	return f.entries[a.Name], nil
}

func setupTestLedger(t *testing.T) ledger.Ledger {
	t.Helper()

	db := ledger.New(logrus.New(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, db.Start(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, db.Stop())
	})

	return db
}

func newEngine(db ledger.Ledger, client stores.Client) Engine {
	registry := stores.Registry{pipeline.FamilySnap: client}

	return New(
		logrus.New(), db, registry,
		[]pipeline.FamilyName{pipeline.FamilySnap},
		0,
	)
}

func createSnap(
	t *testing.T, db ledger.Ledger,
	name, version string, stage pipeline.StageName,
	revisions map[string]int,
) *ledger.Artefact {
	t.Helper()

	ctx := context.Background()

	a := &ledger.Artefact{
		Name:    name,
		Version: version,
		Family:  pipeline.FamilySnap,
		Stage:   stage,
		Track:   "latest",
		Store:   "ubuntu",
	}
	require.NoError(t, db.GetOrCreateArtefact(ctx, a))

	for arch, rev := range revisions {
		rev := rev
		b := &ledger.ArtefactBuild{
			ArtefactID:   a.ID,
			Architecture: arch,
			Revision:     &rev,
		}
		require.NoError(t, db.GetOrCreateBuild(ctx, b))
	}

	return a
}

func intPtr(v int) *int { return &v }

func TestPromoteAll_PromotesWhenNextStageConfirms(t *testing.T) {
	db := setupTestLedger(t)
	ctx := context.Background()

	a := createSnap(t, db, "core22", "1.0", pipeline.StageEdge,
		map[string]int{"amd64": 100, "arm64": 101})

	client := &fakeClient{entries: map[string][]stores.ChannelEntry{
		"core22": {
			{Architecture: "amd64", Location: "beta", Revision: intPtr(100), Version: "1.0"},
			{Architecture: "arm64", Location: "beta", Revision: intPtr(101), Version: "1.0"},
		},
	}}

	results, err := newEngine(db, client).PromoteAll(ctx, pipeline.FamilySnap)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"snap - core22 - 1.0": true}, results)

	got, err := db.GetArtefact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageBeta, got.Stage)
	assert.Equal(t, pipeline.StatusUndecided, got.Status)
}

func TestPromoteAll_MixedArchitecturesSuppressPromotion(t *testing.T) {
	db := setupTestLedger(t)
	ctx := context.Background()

	a := createSnap(t, db, "core22", "1.0", pipeline.StageEdge,
		map[string]int{"amd64": 100, "arm64": 101})

	// arm64 still shows the older revision at beta.
	client := &fakeClient{entries: map[string][]stores.ChannelEntry{
		"core22": {
			{Architecture: "amd64", Location: "beta", Revision: intPtr(100), Version: "1.0"},
			{Architecture: "arm64", Location: "beta", Revision: intPtr(90), Version: "1.0"},
		},
	}}

	results, err := newEngine(db, client).PromoteAll(ctx, pipeline.FamilySnap)
	require.NoError(t, err)
	assert.True(t, results[a.Key()])

	got, err := db.GetArtefact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageEdge, got.Stage)
}

func TestPromoteAll_NoArchAtNextStageIsNoOp(t *testing.T) {
	db := setupTestLedger(t)
	ctx := context.Background()

	a := createSnap(t, db, "core22", "1.0", pipeline.StageEdge,
		map[string]int{"amd64": 100})

	// The store only reports the current stage.
	client := &fakeClient{entries: map[string][]stores.ChannelEntry{
		"core22": {
			{Architecture: "amd64", Location: "edge", Revision: intPtr(100), Version: "1.0"},
		},
	}}

	results, err := newEngine(db, client).PromoteAll(ctx, pipeline.FamilySnap)
	require.NoError(t, err)
	assert.True(t, results[a.Key()])

	got, err := db.GetArtefact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageEdge, got.Stage)
	assert.Equal(t, pipeline.StatusUndecided, got.Status)
}

func TestPromoteAll_ArchivesSupersededArtefact(t *testing.T) {
	db := setupTestLedger(t)
	ctx := context.Background()

	a := createSnap(t, db, "core22", "1.0", pipeline.StageBeta,
		map[string]int{"amd64": 100})

	// A newer upload occupies the artefact's own stage.
	client := &fakeClient{entries: map[string][]stores.ChannelEntry{
		"core22": {
			{Architecture: "amd64", Location: "beta", Revision: intPtr(150), Version: "2.0"},
		},
	}}

	results, err := newEngine(db, client).PromoteAll(ctx, pipeline.FamilySnap)
	require.NoError(t, err)
	assert.True(t, results[a.Key()])

	got, err := db.GetArtefact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusArchived, got.Status)
	assert.Equal(t, pipeline.StageBeta, got.Stage)
}

func TestPromoteAll_ArchivesAtTerminalStage(t *testing.T) {
	db := setupTestLedger(t)
	ctx := context.Background()

	a := createSnap(t, db, "core22", "1.0", pipeline.StageStable,
		map[string]int{"amd64": 100})

	client := &fakeClient{entries: map[string][]stores.ChannelEntry{
		"core22": {
			{Architecture: "amd64", Location: "stable", Revision: intPtr(200), Version: "2.0"},
		},
	}}

	results, err := newEngine(db, client).PromoteAll(ctx, pipeline.FamilySnap)
	require.NoError(t, err)
	assert.True(t, results[a.Key()])

	got, err := db.GetArtefact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusArchived, got.Status)
}

func TestPromoteAll_TerminalStageSameRevisionUntouched(t *testing.T) {
	db := setupTestLedger(t)
	ctx := context.Background()

	a := createSnap(t, db, "core22", "1.0", pipeline.StageStable,
		map[string]int{"amd64": 100})

	client := &fakeClient{entries: map[string][]stores.ChannelEntry{
		"core22": {
			{Architecture: "amd64", Location: "stable", Revision: intPtr(100), Version: "1.0"},
		},
	}}

	results, err := newEngine(db, client).PromoteAll(ctx, pipeline.FamilySnap)
	require.NoError(t, err)
	assert.True(t, results[a.Key()])

	got, err := db.GetArtefact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageStable, got.Stage)
	assert.Equal(t, pipeline.StatusUndecided, got.Status)
}

func TestPromoteAll_Idempotent(t *testing.T) {
	db := setupTestLedger(t)
	ctx := context.Background()

	a := createSnap(t, db, "core22", "1.0", pipeline.StageEdge,
		map[string]int{"amd64": 100})

	client := &fakeClient{entries: map[string][]stores.ChannelEntry{
		"core22": {
			{Architecture: "amd64", Location: "beta", Revision: intPtr(100), Version: "1.0"},
		},
	}}

	engine := newEngine(db, client)

	_, err := engine.PromoteAll(ctx, pipeline.FamilySnap)
	require.NoError(t, err)

	// A second cycle against the same store state changes nothing: the
	// artefact is at beta and the store shows nothing at candidate.
	_, err = engine.PromoteAll(ctx, pipeline.FamilySnap)
	require.NoError(t, err)

	got, err := db.GetArtefact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageBeta, got.Stage)
}

func TestPromoteAll_FetchFailureIsolated(t *testing.T) {
	db := setupTestLedger(t)
	ctx := context.Background()

	broken := createSnap(t, db, "broken-snap", "1.0", pipeline.StageEdge,
		map[string]int{"amd64": 1})
	healthy := createSnap(t, db, "healthy-snap", "1.0", pipeline.StageEdge,
		map[string]int{"amd64": 2})

	client := &fakeClient{
		entries: map[string][]stores.ChannelEntry{
			"healthy-snap": {
				{Architecture: "amd64", Location: "beta", Revision: intPtr(2), Version: "1.0"},
			},
		},
		errs: map[string]error{
			"broken-snap": fmt.Errorf("store timeout"),
		},
	}

	results, err := newEngine(db, client).PromoteAll(ctx, pipeline.FamilySnap)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		broken.Key():  false,
		healthy.Key(): true,
	}, results)

	got, err := db.GetArtefact(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageBeta, got.Stage)
}

func TestPromoteAll_NoBuildsIsNoOp(t *testing.T) {
	db := setupTestLedger(t)
	ctx := context.Background()

	a := createSnap(t, db, "core22", "1.0", pipeline.StageEdge, nil)

	client := &fakeClient{}

	results, err := newEngine(db, client).PromoteAll(ctx, pipeline.FamilySnap)
	require.NoError(t, err)
	assert.True(t, results[a.Key()])

	got, err := db.GetArtefact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageEdge, got.Stage)
}

func TestPromoteAll_FamilyWithoutClient(t *testing.T) {
	db := setupTestLedger(t)

	engine := New(
		logrus.New(), db, stores.Registry{},
		[]pipeline.FamilyName{pipeline.FamilyImage},
		0,
	)

	results, err := engine.PromoteAll(
		context.Background(), pipeline.FamilyImage,
	)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestPromoteAll_OnlyLatestBuildsConsulted(t *testing.T) {
	db := setupTestLedger(t)
	ctx := context.Background()

	a := createSnap(t, db, "core22", "1.0", pipeline.StageEdge,
		map[string]int{"amd64": 100})

	// Add a superseded amd64 build at a lower revision.
	old := &ledger.ArtefactBuild{
		ArtefactID:   a.ID,
		Architecture: "amd64",
		Revision:     intPtr(50),
	}
	require.NoError(t, db.GetOrCreateBuild(ctx, old))

	// The store confirms only the latest revision at beta.
	client := &fakeClient{entries: map[string][]stores.ChannelEntry{
		"core22": {
			{Architecture: "amd64", Location: "beta", Revision: intPtr(100), Version: "1.0"},
		},
	}}

	results, err := newEngine(db, client).PromoteAll(ctx, pipeline.FamilySnap)
	require.NoError(t, err)
	assert.True(t, results[a.Key()])

	got, err := db.GetArtefact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageBeta, got.Stage)
}
