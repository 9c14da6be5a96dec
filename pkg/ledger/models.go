package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/canonical/test-observer/pkg/pipeline"
)

// Artefact is one named+versioned release candidate sitting at one
// stage of its family's pipeline.
type Artefact struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name    string                  `gorm:"size:200;index;not null" json:"name"`
	Version string                  `gorm:"not null" json:"version"`
	Family  pipeline.FamilyName     `gorm:"size:50;index;not null" json:"family"`
	Stage   pipeline.StageName      `gorm:"size:50;not null" json:"stage"`
	Status  pipeline.ArtefactStatus `gorm:"size:50;not null" json:"status"`

	DueDate *time.Time `json:"due_date,omitempty"`
	BugLink string     `json:"bug_link,omitempty"`

	// Family-specific origin columns; the typed view is Origin().
	Track   string `gorm:"size:200" json:"track,omitempty"`
	Store   string `gorm:"size:200" json:"store,omitempty"`
	Series  string `gorm:"size:200" json:"series,omitempty"`
	Repo    string `gorm:"size:200" json:"repo,omitempty"`
	OS      string `gorm:"size:200;column:os" json:"os,omitempty"`
	Release string `gorm:"size:200" json:"release,omitempty"`
	SHA256  string `gorm:"size:200;column:sha256" json:"sha256,omitempty"`

	Builds []ArtefactBuild `gorm:"foreignKey:ArtefactID" json:"builds,omitempty"`
}

// Key identifies the artefact in batch result maps and logs.
func (a *Artefact) Key() string {
	return fmt.Sprintf("%s - %s - %s", a.Family, a.Name, a.Version)
}

// Origin returns the family-specific origin descriptor built from the
// flattened columns.
func (a *Artefact) Origin() pipeline.Origin {
	switch a.Family {
	case pipeline.FamilySnap:
		return pipeline.SnapOrigin{Track: a.Track, Store: a.Store}
	case pipeline.FamilyCharm:
		return pipeline.CharmOrigin{Track: a.Track}
	case pipeline.FamilyDeb:
		return pipeline.DebOrigin{Series: a.Series, Repo: a.Repo}
	case pipeline.FamilyImage:
		return pipeline.ImageOrigin{
			OS:      a.OS,
			Release: a.Release,
			SHA256:  a.SHA256,
		}
	}

	return nil
}

// ArtefactBuild is one per-architecture (optionally per-revision) build
// of an artefact. Builds are immutable once created.
type ArtefactBuild struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ArtefactID   uint   `gorm:"index;not null" json:"artefact_id"`
	Architecture string `gorm:"size:100;index;not null" json:"architecture"`
	Revision     *int   `json:"revision,omitempty"`

	TestExecutions []TestExecution `gorm:"foreignKey:ArtefactBuildID" json:"-"`
}

// Environment is a (name, architecture) pair identifying where tests
// run. Shared reference data, deduplicated.
type Environment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name         string `gorm:"size:200;uniqueIndex:idx_environment_identity;not null" json:"name"`
	Architecture string `gorm:"size:100;uniqueIndex:idx_environment_identity;not null" json:"architecture"`
}

// DecisionList stores a review decision set as a JSON column so the
// same model works on sqlite and postgres.
type DecisionList []pipeline.ReviewDecision

// Value implements driver.Valuer.
func (d DecisionList) Value() (driver.Value, error) {
	if d == nil {
		d = DecisionList{}
	}

	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding decision list: %w", err)
	}

	return string(b), nil
}

// Scan implements sql.Scanner.
func (d *DecisionList) Scan(value any) error {
	if value == nil {
		*d = DecisionList{}

		return nil
	}

	var data []byte

	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported decision list type %T", value)
	}

	if len(data) == 0 {
		*d = DecisionList{}

		return nil
	}

	if err := json.Unmarshal(data, d); err != nil {
		return fmt.Errorf("decoding decision list: %w", err)
	}

	return nil
}

// Contains reports whether the set carries the given tag.
func (d DecisionList) Contains(tag pipeline.ReviewDecision) bool {
	for _, v := range d {
		if v == tag {
			return true
		}
	}

	return false
}

// Union returns the set extended with any tags not already present,
// preserving insertion order.
func (d DecisionList) Union(tags []pipeline.ReviewDecision) DecisionList {
	out := make(DecisionList, len(d), len(d)+len(tags))
	copy(out, d)

	for _, t := range tags {
		if !out.Contains(t) {
			out = append(out, t)
		}
	}

	return out
}

// TestExecution is one test run of one build on one environment.
// Reruns create new rows; each execution is independent and ordered by
// creation time.
type TestExecution struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ArtefactBuildID uint `gorm:"index;not null" json:"artefact_build_id"`
	EnvironmentID   uint `gorm:"index;not null" json:"environment_id"`

	Status         pipeline.TestExecutionStatus `gorm:"size:50;not null" json:"status"`
	ReviewDecision DecisionList                 `gorm:"type:text" json:"review_decision"`
	CILink         string                       `gorm:"size:200" json:"ci_link,omitempty"`
	TestPlan       string                       `gorm:"size:200" json:"test_plan,omitempty"`

	Environment *Environment `gorm:"foreignKey:EnvironmentID" json:"environment,omitempty"`
	TestResults []TestResult `gorm:"foreignKey:TestExecutionID" json:"-"`
}

// TestCase is a deduplicated test identity. TemplateID groups
// parametrized instances of the same logical case.
type TestCase struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name       string `gorm:"size:200;uniqueIndex;not null" json:"name"`
	Category   string `gorm:"size:200" json:"category"`
	TemplateID string `gorm:"size:200" json:"template_id,omitempty"`
}

// TestResult is one outcome of one test case within one execution.
type TestResult struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TestExecutionID uint `gorm:"index;not null" json:"test_execution_id"`
	TestCaseID      uint `gorm:"index;not null" json:"test_case_id"`

	Status  pipeline.TestResultStatus `gorm:"size:50;not null" json:"status"`
	Comment string                    `json:"comment,omitempty"`
	IOLog   string                    `json:"io_log,omitempty"`

	TestCase *TestCase `gorm:"foreignKey:TestCaseID" json:"test_case,omitempty"`
}

// ArtefactBuildEnvironmentReview is the durable aggregate review for a
// (build, environment) pair. It outlives individual executions so
// reruns do not lose prior human judgement.
type ArtefactBuildEnvironmentReview struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ArtefactBuildID uint `gorm:"uniqueIndex:idx_environment_review_identity;not null" json:"artefact_build_id"`
	EnvironmentID   uint `gorm:"uniqueIndex:idx_environment_review_identity;not null" json:"environment_id"`

	ReviewDecision DecisionList `gorm:"type:text" json:"review_decision"`
	ReviewComment  string       `json:"review_comment"`

	Environment *Environment `gorm:"foreignKey:EnvironmentID" json:"environment,omitempty"`
}

// IsApproved reports whether the review is resolved without rejection.
func (r *ArtefactBuildEnvironmentReview) IsApproved() bool {
	return len(r.ReviewDecision) > 0 &&
		!r.ReviewDecision.Contains(pipeline.DecisionRejected)
}
