package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/canonical/test-observer/pkg/ledger"
	"github.com/canonical/test-observer/pkg/pipeline"
	"github.com/canonical/test-observer/pkg/review"
	"github.com/go-chi/chi/v5"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// urlID parses a numeric URL parameter.
func urlID(r *http.Request, name string) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil {
		return 0, err
	}

	return uint(id), nil
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Artefacts ---

func (s *server) handleListArtefacts(
	w http.ResponseWriter, r *http.Request,
) {
	family, err := pipeline.ParseFamily(r.URL.Query().Get("family"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	artefacts, err := s.db.ListArtefactsByFamily(r.Context(), family)
	if err != nil {
		s.log.WithError(err).Error("Failed to list artefacts")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, artefacts)
}

func (s *server) handleGetArtefact(
	w http.ResponseWriter, r *http.Request,
) {
	id, err := urlID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid artefact id"})

		return
	}

	artefact, err := s.db.GetArtefact(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"artefact not found"})

		return
	} else if err != nil {
		s.log.WithError(err).Error("Failed to get artefact")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, artefact)
}

type artefactPatchRequest struct {
	Status *string `json:"status,omitempty"`
	Stage  *string `json:"stage,omitempty"`
}

// handlePatchArtefact applies a manual status/stage override. Marking
// an artefact APPROVED is gated on its approval eligibility; the
// override is otherwise last-writer-wins with the promotion engine.
func (s *server) handlePatchArtefact(
	w http.ResponseWriter, r *http.Request,
) {
	id, err := urlID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid artefact id"})

		return
	}

	var req artefactPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	artefact, err := s.db.GetArtefact(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"artefact not found"})

		return
	} else if err != nil {
		s.log.WithError(err).Error("Failed to get artefact")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	if req.Status != nil {
		status, err := pipeline.ParseArtefactStatus(*req.Status)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity,
				errorResponse{err.Error()})

			return
		}

		if status == pipeline.StatusApproved {
			eligibility, err := s.reviews.ApprovalEligibility(
				r.Context(), artefact.ID,
			)
			if err != nil {
				s.log.WithError(err).
					Error("Failed to compute approval eligibility")
				writeJSON(w, http.StatusInternalServerError,
					errorResponse{"internal error"})

				return
			}

			if eligibility != review.Eligible {
				writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
					"artefact is not eligible for approval: " +
						string(eligibility),
				})

				return
			}
		}

		artefact.Status = status
	}

	if req.Stage != nil {
		stage := pipeline.StageName(*req.Stage)
		if _, err := pipeline.NextStage(artefact.Family, stage); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity,
				errorResponse{err.Error()})

			return
		}

		artefact.Stage = stage
	}

	if err := s.db.UpdateArtefact(r.Context(), artefact); err != nil {
		s.log.WithError(err).Error("Failed to update artefact")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, artefact)
}

func (s *server) handleDeleteArtefact(
	w http.ResponseWriter, r *http.Request,
) {
	id, err := urlID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid artefact id"})

		return
	}

	if err := s.db.DeleteArtefact(r.Context(), id); err != nil {
		s.log.WithError(err).Error("Failed to delete artefact")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleArtefactBuilds(
	w http.ResponseWriter, r *http.Request,
) {
	id, err := urlID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid artefact id"})

		return
	}

	builds, err := s.db.LatestBuilds(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list latest builds")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, builds)
}

func (s *server) handleApprovalEligibility(
	w http.ResponseWriter, r *http.Request,
) {
	id, err := urlID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid artefact id"})

		return
	}

	eligibility, err := s.reviews.ApprovalEligibility(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to compute approval eligibility")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK,
		map[string]string{"eligibility": string(eligibility)})
}

// --- Environment reviews ---

func (s *server) handleListEnvironmentReviews(
	w http.ResponseWriter, r *http.Request,
) {
	id, err := urlID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid artefact id"})

		return
	}

	reviews, err := s.reviews.ListForArtefact(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list environment reviews")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, reviews)
}

type environmentReviewPatchRequest struct {
	ReviewDecision []pipeline.ReviewDecision `json:"review_decision"`
	ReviewComment  string                    `json:"review_comment"`
}

func (s *server) handlePatchEnvironmentReview(
	w http.ResponseWriter, r *http.Request,
) {
	artefactID, err := urlID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid artefact id"})

		return
	}

	reviewID, err := urlID(r, "reviewID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid review id"})

		return
	}

	var req environmentReviewPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	existing, err := s.db.GetEnvironmentReviewByID(r.Context(), reviewID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"environment review not found"})

		return
	} else if err != nil {
		s.log.WithError(err).Error("Failed to get environment review")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	build, err := s.db.GetBuild(r.Context(), existing.ArtefactBuildID)
	if err != nil {
		s.log.WithError(err).Error("Failed to get build for review")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	if build.ArtefactID != artefactID {
		writeJSON(w, http.StatusUnprocessableEntity,
			errorResponse{"review does not belong to artefact"})

		return
	}

	updated, err := s.reviews.Record(
		r.Context(),
		existing.ArtefactBuildID,
		existing.EnvironmentID,
		req.ReviewDecision,
		req.ReviewComment,
	)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidDecisionSet) ||
			errors.Is(err, pipeline.ErrUnknownDecision) {
			writeJSON(w, http.StatusUnprocessableEntity,
				errorResponse{err.Error()})

			return
		}

		s.log.WithError(err).Error("Failed to record environment review")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// --- Test executions ---

type startTestExecutionRequest struct {
	Family       string `json:"family"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	Architecture string `json:"arch"`
	Revision     *int   `json:"revision,omitempty"`
	Environment  string `json:"environment"`
	CILink       string `json:"ci_link,omitempty"`
	TestPlan     string `json:"test_plan,omitempty"`

	// Family-specific origin fields.
	Track   string `json:"track,omitempty"`
	Store   string `json:"store,omitempty"`
	Series  string `json:"series,omitempty"`
	Repo    string `json:"repo,omitempty"`
	OS      string `json:"os,omitempty"`
	Release string `json:"release,omitempty"`
	SHA256  string `json:"sha256,omitempty"`
}

// handleStartTestExecution is the report-in path for external test
// runners. The artefact, build, and environment are created lazily on
// first contact; reruns append a fresh execution.
func (s *server) handleStartTestExecution(
	w http.ResponseWriter, r *http.Request,
) {
	var req startTestExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	family, err := pipeline.ParseFamily(req.Family)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity,
			errorResponse{err.Error()})

		return
	}

	if req.Name == "" || req.Version == "" ||
		req.Architecture == "" || req.Environment == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			"name, version, arch, and environment are required",
		})

		return
	}

	artefact := &ledger.Artefact{
		Name:    req.Name,
		Version: req.Version,
		Family:  family,
		Track:   req.Track,
		Store:   req.Store,
		Series:  req.Series,
		Repo:    req.Repo,
		OS:      req.OS,
		Release: req.Release,
		SHA256:  req.SHA256,
	}

	if err := s.db.GetOrCreateArtefact(r.Context(), artefact); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity,
			errorResponse{err.Error()})

		return
	}

	build := &ledger.ArtefactBuild{
		ArtefactID:   artefact.ID,
		Architecture: req.Architecture,
		Revision:     req.Revision,
	}

	if err := s.db.GetOrCreateBuild(r.Context(), build); err != nil {
		s.log.WithError(err).Error("Failed to get or create build")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	environment := &ledger.Environment{
		Name:         req.Environment,
		Architecture: req.Architecture,
	}

	if err := s.db.GetOrCreateEnvironment(
		r.Context(), environment,
	); err != nil {
		s.log.WithError(err).Error("Failed to get or create environment")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	execution := &ledger.TestExecution{
		ArtefactBuildID: build.ID,
		EnvironmentID:   environment.ID,
		Status:          pipeline.ExecutionInProgress,
		CILink:          req.CILink,
		TestPlan:        req.TestPlan,
	}

	if err := s.db.CreateTestExecution(r.Context(), execution); err != nil {
		s.log.WithError(err).Error("Failed to create test execution")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]uint{"id": execution.ID})
}

type testExecutionPatchRequest struct {
	Status         *string                   `json:"status,omitempty"`
	ReviewDecision []pipeline.ReviewDecision `json:"review_decision,omitempty"`
	CILink         *string                   `json:"ci_link,omitempty"`
}

func (s *server) handlePatchTestExecution(
	w http.ResponseWriter, r *http.Request,
) {
	id, err := urlID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid test execution id"})

		return
	}

	var req testExecutionPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	te, err := s.db.GetTestExecution(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"test execution not found"})

		return
	} else if err != nil {
		s.log.WithError(err).Error("Failed to get test execution")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	if req.ReviewDecision != nil {
		te, err = s.reviews.SetExecutionReview(
			r.Context(), id, req.ReviewDecision,
		)
		if err != nil {
			if errors.Is(err, pipeline.ErrInvalidDecisionSet) ||
				errors.Is(err, pipeline.ErrUnknownDecision) {
				writeJSON(w, http.StatusUnprocessableEntity,
					errorResponse{err.Error()})

				return
			}

			s.log.WithError(err).Error("Failed to set execution review")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})

			return
		}
	}

	if req.Status != nil {
		status, err := pipeline.ParseExecutionStatus(*req.Status)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity,
				errorResponse{err.Error()})

			return
		}

		te.Status = status
	}

	if req.CILink != nil {
		te.CILink = *req.CILink
	}

	if req.Status != nil || req.CILink != nil {
		if err := s.db.UpdateTestExecution(r.Context(), te); err != nil {
			s.log.WithError(err).Error("Failed to update test execution")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})

			return
		}
	}

	writeJSON(w, http.StatusOK, te)
}

type testResultRequest struct {
	Name       string `json:"name"`
	Category   string `json:"category,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	Status     string `json:"status"`
	Comment    string `json:"comment,omitempty"`
	IOLog      string `json:"io_log,omitempty"`
}

// handlePostTestResults bulk-records results for one execution,
// deduplicating test cases by name.
func (s *server) handlePostTestResults(
	w http.ResponseWriter, r *http.Request,
) {
	id, err := urlID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid test execution id"})

		return
	}

	var reqs []testResultRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if _, err := s.db.GetTestExecution(r.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"test execution not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get test execution")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	results := make([]ledger.TestResult, 0, len(reqs))

	for _, req := range reqs {
		status, err := pipeline.ParseResultStatus(req.Status)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity,
				errorResponse{err.Error()})

			return
		}

		testCase := &ledger.TestCase{
			Name:       req.Name,
			Category:   req.Category,
			TemplateID: req.TemplateID,
		}

		if err := s.db.GetOrCreateTestCase(r.Context(), testCase); err != nil {
			s.log.WithError(err).Error("Failed to get or create test case")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})

			return
		}

		results = append(results, ledger.TestResult{
			TestCaseID: testCase.ID,
			Status:     status,
			Comment:    req.Comment,
			IOLog:      req.IOLog,
		})
	}

	if err := s.db.AddTestResults(r.Context(), id, results); err != nil {
		s.log.WithError(err).Error("Failed to add test results")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGetTestResults(
	w http.ResponseWriter, r *http.Request,
) {
	id, err := urlID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid test execution id"})

		return
	}

	results, err := s.db.ListTestResults(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Failed to list test results")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, results)
}

// --- Promotion ---

func (s *server) handlePromoteFamily(
	w http.ResponseWriter, r *http.Request,
) {
	family, err := pipeline.ParseFamily(chi.URLParam(r, "family"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	results, err := s.engine.PromoteAll(r.Context(), family)
	if err != nil {
		s.log.WithError(err).Error("Promotion cycle failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"promotion cycle failed"})

		return
	}

	writeJSON(w, http.StatusOK, results)
}
