package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/canonical/test-observer/pkg/ledger"
	"github.com/canonical/test-observer/pkg/pipeline"
	"github.com/sirupsen/logrus"
)

// Eligibility is the tri-state artefact approval signal.
type Eligibility string

// Approval eligibility states.
const (
	// Blocked: a rejection tag exists on some execution of a current
	// build; the artefact cannot be marked approved.
	Blocked Eligibility = "blocked"
	// Eligible: every execution of every current build is resolved and
	// none is rejected.
	Eligible Eligibility = "eligible"
	// Pending: neither block nor clearance reached.
	Pending Eligibility = "pending"
)

// Aggregator combines per-execution review decisions into durable
// build/environment reviews and an artefact-level approval signal. All
// reads are pure over the ledger and recomputed on demand.
type Aggregator interface {
	Record(
		ctx context.Context,
		buildID, envID uint,
		decisions []pipeline.ReviewDecision,
		comment string,
	) (*ledger.ArtefactBuildEnvironmentReview, error)
	Get(
		ctx context.Context, buildID, envID uint,
	) (*ledger.ArtefactBuildEnvironmentReview, error)
	ListForArtefact(
		ctx context.Context, artefactID uint,
	) ([]ledger.ArtefactBuildEnvironmentReview, error)
	SetExecutionReview(
		ctx context.Context,
		executionID uint,
		decisions []pipeline.ReviewDecision,
	) (*ledger.TestExecution, error)
	ApprovalEligibility(
		ctx context.Context, artefactID uint,
	) (Eligibility, error)
}

// Compile-time interface check.
var _ Aggregator = (*aggregator)(nil)

type aggregator struct {
	log logrus.FieldLogger
	db  ledger.Ledger
}

// New creates a review Aggregator over the given ledger.
func New(log logrus.FieldLogger, db ledger.Ledger) Aggregator {
	return &aggregator{
		log: log.WithField("component", "review"),
		db:  db,
	}
}

// Record validates the decision set and merges it into the durable
// review for the (build, environment) pair. The record is created
// lazily on first review; later reviews append tags, never clear them,
// so an earlier rejection survives until explicitly re-reviewed.
func (a *aggregator) Record(
	ctx context.Context,
	buildID, envID uint,
	decisions []pipeline.ReviewDecision,
	comment string,
) (*ledger.ArtefactBuildEnvironmentReview, error) {
	if err := pipeline.ValidateDecisions(decisions); err != nil {
		return nil, fmt.Errorf("validating review decisions: %w", err)
	}

	r, err := a.db.GetEnvironmentReview(ctx, buildID, envID)
	if errors.Is(err, ledger.ErrNotFound) {
		r = &ledger.ArtefactBuildEnvironmentReview{
			ArtefactBuildID: buildID,
			EnvironmentID:   envID,
			ReviewDecision:  ledger.DecisionList{},
		}
	} else if err != nil {
		return nil, err
	}

	r.ReviewDecision = r.ReviewDecision.Union(decisions)
	if comment != "" {
		r.ReviewComment = comment
	}

	if err := a.db.SaveEnvironmentReview(ctx, r); err != nil {
		return nil, err
	}

	a.log.WithFields(logrus.Fields{
		"build":       buildID,
		"environment": envID,
		"decisions":   r.ReviewDecision,
	}).Debug("Recorded environment review")

	return r, nil
}

// Get returns the durable review record for a (build, environment) pair.
func (a *aggregator) Get(
	ctx context.Context, buildID, envID uint,
) (*ledger.ArtefactBuildEnvironmentReview, error) {
	return a.db.GetEnvironmentReview(ctx, buildID, envID)
}

// ListForArtefact returns the reviews attached to the artefact's
// current (latest) builds only; superseded builds are excluded.
func (a *aggregator) ListForArtefact(
	ctx context.Context, artefactID uint,
) ([]ledger.ArtefactBuildEnvironmentReview, error) {
	latest, err := a.db.LatestBuilds(ctx, artefactID)
	if err != nil {
		return nil, err
	}

	return a.db.ListEnvironmentReviews(ctx, buildIDs(latest))
}

// SetExecutionReview replaces the decision set of one test execution.
// A set mixing the rejection tag with approval tags is rejected at
// write time and never persisted.
func (a *aggregator) SetExecutionReview(
	ctx context.Context,
	executionID uint,
	decisions []pipeline.ReviewDecision,
) (*ledger.TestExecution, error) {
	if err := pipeline.ValidateDecisions(decisions); err != nil {
		return nil, fmt.Errorf("validating review decisions: %w", err)
	}

	te, err := a.db.GetTestExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	te.ReviewDecision = ledger.DecisionList(decisions)
	if te.ReviewDecision == nil {
		te.ReviewDecision = ledger.DecisionList{}
	}

	if err := a.db.UpdateTestExecution(ctx, te); err != nil {
		return nil, err
	}

	return te, nil
}

// ApprovalEligibility computes the artefact-level approval signal over
// all test executions of all current builds:
//
//   - any execution carrying the rejection tag blocks approval;
//   - full clearance requires every execution to carry a non-empty,
//     rejection-free decision set;
//   - otherwise the artefact is pending. An artefact with no executions
//     yet is pending, not eligible.
func (a *aggregator) ApprovalEligibility(
	ctx context.Context, artefactID uint,
) (Eligibility, error) {
	latest, err := a.db.LatestBuilds(ctx, artefactID)
	if err != nil {
		return "", err
	}

	executions, err := a.db.ListExecutionsForBuilds(ctx, buildIDs(latest))
	if err != nil {
		return "", err
	}

	if len(executions) == 0 {
		return Pending, nil
	}

	allResolved := true

	for _, te := range executions {
		if te.ReviewDecision.Contains(pipeline.DecisionRejected) {
			return Blocked, nil
		}

		if len(te.ReviewDecision) == 0 {
			allResolved = false
		}
	}

	if allResolved {
		return Eligible, nil
	}

	return Pending, nil
}

func buildIDs(builds []ledger.ArtefactBuild) []uint {
	ids := make([]uint, 0, len(builds))
	for _, b := range builds {
		ids = append(ids, b.ID)
	}

	return ids
}
