package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/canonical/test-observer/pkg/config"
	"github.com/canonical/test-observer/pkg/ledger"
	"github.com/canonical/test-observer/pkg/pipeline"
	"github.com/canonical/test-observer/pkg/review"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine returns a canned promotion result.
type fakeEngine struct {
	results map[string]bool
	err     error
}

func (f *fakeEngine) Start(context.Context) error { return nil }
func (f *fakeEngine) Stop() error                 { return nil }

func (f *fakeEngine) PromoteAll(
	context.Context, pipeline.FamilyName,
) (map[string]bool, error) {
	return f.results, f.err
}

type testServer struct {
	db      ledger.Ledger
	reviews review.Aggregator
	engine  *fakeEngine
	http    *httptest.Server
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	log := logrus.New()

	db := ledger.New(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, db.Start(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, db.Stop())
	})

	reviews := review.New(log, db)
	engine := &fakeEngine{results: map[string]bool{}}

	cfg := &config.Config{}

	srv := &server{
		log:     log,
		cfg:     cfg,
		db:      db,
		reviews: reviews,
		engine:  engine,
	}

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	return &testServer{
		db:      db,
		reviews: reviews,
		engine:  engine,
		http:    ts,
	}
}

func (ts *testServer) do(
	t *testing.T, method, path string, body any,
) *http.Response {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

func (ts *testServer) startExecution(t *testing.T, body map[string]any) uint {
	t.Helper()

	resp := ts.do(t, http.MethodPut, "/v1/test-executions/start", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return decode[map[string]uint](t, resp)["id"]
}

func snapStartRequest() map[string]any {
	return map[string]any{
		"family":      "snap",
		"name":        "core22",
		"version":     "1.0",
		"arch":        "amd64",
		"revision":    100,
		"environment": "laptop",
		"track":       "latest",
		"store":       "ubuntu",
		"ci_link":     "https://ci.example.com/1",
	}
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartTestExecution(t *testing.T) {
	ts := setupTestServer(t)

	id := ts.startExecution(t, snapStartRequest())
	assert.NotZero(t, id)

	// Same artefact+build+environment again: a rerun, new execution.
	rerun := ts.startExecution(t, snapStartRequest())
	assert.NotEqual(t, id, rerun)

	// Exactly one artefact exists.
	resp := ts.do(t, http.MethodGet, "/v1/artefacts?family=snap", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	artefacts := decode[[]ledger.Artefact](t, resp)
	require.Len(t, artefacts, 1)
	assert.Equal(t, "core22", artefacts[0].Name)
	assert.Equal(t, pipeline.StageEdge, artefacts[0].Stage)
	assert.Equal(t, pipeline.StatusUndecided, artefacts[0].Status)
}

func TestStartTestExecution_Validation(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("unknown family", func(t *testing.T) {
		body := snapStartRequest()
		body["family"] = "rpm"

		resp := ts.do(t, http.MethodPut, "/v1/test-executions/start", body)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("missing environment", func(t *testing.T) {
		body := snapStartRequest()
		delete(body, "environment")

		resp := ts.do(t, http.MethodPut, "/v1/test-executions/start", body)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("snap without store", func(t *testing.T) {
		body := snapStartRequest()
		delete(body, "store")

		resp := ts.do(t, http.MethodPut, "/v1/test-executions/start", body)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestPatchTestExecution(t *testing.T) {
	ts := setupTestServer(t)
	id := ts.startExecution(t, snapStartRequest())

	resp := ts.do(t, http.MethodPatch,
		fmt.Sprintf("/v1/test-executions/%d", id),
		map[string]any{
			"status":          "COMPLETED",
			"review_decision": []string{"APPROVED_ALL_TESTS_PASS"},
		},
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	te := decode[ledger.TestExecution](t, resp)
	assert.Equal(t, pipeline.ExecutionCompleted, te.Status)
	assert.True(t, te.ReviewDecision.Contains(
		pipeline.DecisionApprovedAllTestsPass,
	))

	t.Run("mixed decision set rejected", func(t *testing.T) {
		resp := ts.do(t, http.MethodPatch,
			fmt.Sprintf("/v1/test-executions/%d", id),
			map[string]any{
				"review_decision": []string{
					"REJECTED", "APPROVED_ALL_TESTS_PASS",
				},
			},
		)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("missing execution", func(t *testing.T) {
		resp := ts.do(t, http.MethodPatch, "/v1/test-executions/99999",
			map[string]any{"status": "COMPLETED"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestTestResults(t *testing.T) {
	ts := setupTestServer(t)
	id := ts.startExecution(t, snapStartRequest())

	resp := ts.do(t, http.MethodPost,
		fmt.Sprintf("/v1/test-executions/%d/test-results", id),
		[]map[string]any{
			{"name": "wifi/scan", "category": "wireless", "status": "PASSED"},
			{"name": "audio/playback", "status": "FAILED", "comment": "no sound"},
		},
	)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet,
		fmt.Sprintf("/v1/test-executions/%d/test-results", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	results := decode[[]ledger.TestResult](t, resp)
	require.Len(t, results, 2)
	assert.Equal(t, pipeline.ResultPassed, results[0].Status)
	require.NotNil(t, results[0].TestCase)
	assert.Equal(t, "wifi/scan", results[0].TestCase.Name)
	assert.Equal(t, "no sound", results[1].Comment)

	t.Run("invalid result status", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost,
			fmt.Sprintf("/v1/test-executions/%d/test-results", id),
			[]map[string]any{{"name": "x", "status": "MAYBE"}},
		)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestArtefactEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	execID := ts.startExecution(t, snapStartRequest())

	resp := ts.do(t, http.MethodGet, "/v1/artefacts?family=snap", nil)
	artefacts := decode[[]ledger.Artefact](t, resp)
	require.Len(t, artefacts, 1)
	artefactID := artefacts[0].ID

	t.Run("get", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet,
			fmt.Sprintf("/v1/artefacts/%d", artefactID), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		a := decode[ledger.Artefact](t, resp)
		assert.Equal(t, "core22", a.Name)
		assert.Len(t, a.Builds, 1)
	})

	t.Run("latest builds", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet,
			fmt.Sprintf("/v1/artefacts/%d/builds", artefactID), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		builds := decode[[]ledger.ArtefactBuild](t, resp)
		require.Len(t, builds, 1)
		assert.Equal(t, "amd64", builds[0].Architecture)
	})

	t.Run("approve blocked before review", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet,
			fmt.Sprintf("/v1/artefacts/%d/approval-eligibility", artefactID),
			nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decode[map[string]string](t, resp)
		assert.Equal(t, "pending", body["eligibility"])

		patchResp := ts.do(t, http.MethodPatch,
			fmt.Sprintf("/v1/artefacts/%d", artefactID),
			map[string]any{"status": "APPROVED"})
		assert.Equal(t, http.StatusUnprocessableEntity, patchResp.StatusCode)
	})

	t.Run("approve after review", func(t *testing.T) {
		resp := ts.do(t, http.MethodPatch,
			fmt.Sprintf("/v1/test-executions/%d", execID),
			map[string]any{
				"review_decision": []string{"APPROVED_ALL_TESTS_PASS"},
			})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		patchResp := ts.do(t, http.MethodPatch,
			fmt.Sprintf("/v1/artefacts/%d", artefactID),
			map[string]any{"status": "APPROVED"})
		require.Equal(t, http.StatusOK, patchResp.StatusCode)

		a := decode[ledger.Artefact](t, patchResp)
		assert.Equal(t, pipeline.StatusApproved, a.Status)
	})

	t.Run("mark failed without eligibility", func(t *testing.T) {
		resp := ts.do(t, http.MethodPatch,
			fmt.Sprintf("/v1/artefacts/%d", artefactID),
			map[string]any{"status": "MARKED_AS_FAILED"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("stage override", func(t *testing.T) {
		resp := ts.do(t, http.MethodPatch,
			fmt.Sprintf("/v1/artefacts/%d", artefactID),
			map[string]any{"stage": "candidate"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		a := decode[ledger.Artefact](t, resp)
		assert.Equal(t, pipeline.StageCandidate, a.Stage)
	})

	t.Run("stage of wrong family rejected", func(t *testing.T) {
		resp := ts.do(t, http.MethodPatch,
			fmt.Sprintf("/v1/artefacts/%d", artefactID),
			map[string]any{"stage": "proposed"})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		resp := ts.do(t, http.MethodDelete,
			fmt.Sprintf("/v1/artefacts/%d", artefactID), nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = ts.do(t, http.MethodGet,
			fmt.Sprintf("/v1/artefacts/%d", artefactID), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestEnvironmentReviews(t *testing.T) {
	ts := setupTestServer(t)
	ts.startExecution(t, snapStartRequest())

	resp := ts.do(t, http.MethodGet, "/v1/artefacts?family=snap", nil)
	artefacts := decode[[]ledger.Artefact](t, resp)
	require.Len(t, artefacts, 1)
	artefactID := artefacts[0].ID
	buildID := artefacts[0].Builds[0].ID

	// Seed a review through the aggregator, as a runner-side flow would.
	ctx := context.Background()

	env := &ledger.Environment{Name: "laptop", Architecture: "amd64"}
	require.NoError(t, ts.db.GetOrCreateEnvironment(ctx, env))

	seeded, err := ts.reviews.Record(
		ctx, buildID, env.ID,
		[]pipeline.ReviewDecision{pipeline.DecisionApprovedInconsistentTest},
		"flaky",
	)
	require.NoError(t, err)

	t.Run("list", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet,
			fmt.Sprintf("/v1/artefacts/%d/environment-reviews", artefactID),
			nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		reviews := decode[[]ledger.ArtefactBuildEnvironmentReview](t, resp)
		require.Len(t, reviews, 1)
		assert.Equal(t, seeded.ID, reviews[0].ID)
	})

	t.Run("patch unions decisions", func(t *testing.T) {
		resp := ts.do(t, http.MethodPatch,
			fmt.Sprintf("/v1/artefacts/%d/environment-reviews/%d",
				artefactID, seeded.ID),
			map[string]any{
				"review_decision": []string{"APPROVED_FAULTY_HARDWARE"},
				"review_comment":  "bad DIMM on the rig",
			})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		r := decode[ledger.ArtefactBuildEnvironmentReview](t, resp)
		assert.Equal(t, ledger.DecisionList{
			pipeline.DecisionApprovedInconsistentTest,
			pipeline.DecisionApprovedFaultyHardware,
		}, r.ReviewDecision)
		assert.Equal(t, "bad DIMM on the rig", r.ReviewComment)
	})

	t.Run("patch review of another artefact rejected", func(t *testing.T) {
		other := snapStartRequest()
		other["name"] = "other-snap"
		ts.startExecution(t, other)

		resp := ts.do(t, http.MethodGet, "/v1/artefacts?family=snap", nil)
		artefacts := decode[[]ledger.Artefact](t, resp)
		require.Len(t, artefacts, 2)

		var otherID uint
		for _, a := range artefacts {
			if a.Name == "other-snap" {
				otherID = a.ID
			}
		}

		patchResp := ts.do(t, http.MethodPatch,
			fmt.Sprintf("/v1/artefacts/%d/environment-reviews/%d",
				otherID, seeded.ID),
			map[string]any{
				"review_decision": []string{"REJECTED"},
			})
		assert.Equal(t, http.StatusUnprocessableEntity, patchResp.StatusCode)
	})
}

func TestPromoteFamily(t *testing.T) {
	ts := setupTestServer(t)
	ts.engine.results = map[string]bool{"snap - core22 - 1.0": true}

	resp := ts.do(t, http.MethodPost, "/v1/families/snap/promote", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	results := decode[map[string]bool](t, resp)
	assert.Equal(t, ts.engine.results, results)

	t.Run("unknown family", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/v1/families/rpm/promote", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("engine failure", func(t *testing.T) {
		ts.engine.err = fmt.Errorf("database gone")

		resp := ts.do(t, http.MethodPost, "/v1/families/snap/promote", nil)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestListArtefacts_RequiresFamily(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.do(t, http.MethodGet, "/v1/artefacts", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
