package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/canonical/test-observer/pkg/config"
	"github.com/canonical/test-observer/pkg/pipeline"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Ledger provides persistence for the artefact lifecycle core: the
// artefact/build/test-execution graph and its review records.
type Ledger interface {
	Start(ctx context.Context) error
	Stop() error

	// Artefacts.
	GetArtefact(ctx context.Context, id uint) (*Artefact, error)
	GetOrCreateArtefact(ctx context.Context, a *Artefact) error
	UpdateArtefact(ctx context.Context, a *Artefact) error
	DeleteArtefact(ctx context.Context, id uint) error
	ListArtefactsByFamily(
		ctx context.Context, family pipeline.FamilyName,
	) ([]Artefact, error)
	CommitStageTransition(
		ctx context.Context,
		artefactID uint,
		stage pipeline.StageName,
		status pipeline.ArtefactStatus,
	) error

	// Builds.
	GetBuild(ctx context.Context, id uint) (*ArtefactBuild, error)
	GetOrCreateBuild(ctx context.Context, b *ArtefactBuild) error
	LatestBuilds(ctx context.Context, artefactID uint) ([]ArtefactBuild, error)

	// Shared reference entities.
	GetOrCreateEnvironment(ctx context.Context, e *Environment) error
	GetOrCreateTestCase(ctx context.Context, tc *TestCase) error

	// Test executions and results.
	CreateTestExecution(ctx context.Context, te *TestExecution) error
	GetTestExecution(ctx context.Context, id uint) (*TestExecution, error)
	UpdateTestExecution(ctx context.Context, te *TestExecution) error
	ListExecutionsForBuilds(
		ctx context.Context, buildIDs []uint,
	) ([]TestExecution, error)
	AddTestResults(
		ctx context.Context, executionID uint, results []TestResult,
	) error
	ListTestResults(
		ctx context.Context, executionID uint,
	) ([]TestResult, error)

	// Environment reviews.
	GetEnvironmentReview(
		ctx context.Context, buildID, envID uint,
	) (*ArtefactBuildEnvironmentReview, error)
	GetEnvironmentReviewByID(
		ctx context.Context, id uint,
	) (*ArtefactBuildEnvironmentReview, error)
	ListEnvironmentReviews(
		ctx context.Context, buildIDs []uint,
	) ([]ArtefactBuildEnvironmentReview, error)
	SaveEnvironmentReview(
		ctx context.Context, r *ArtefactBuildEnvironmentReview,
	) error
}

// Compile-time interface check.
var _ Ledger = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// New creates a Ledger backed by the configured database driver.
func New(log logrus.FieldLogger, cfg *config.DatabaseConfig) Ledger {
	return &store{
		log: log.WithField("component", "ledger"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Artefact{},
		&ArtefactBuild{},
		&Environment{},
		&TestExecution{},
		&TestCase{},
		&TestResult{},
		&ArtefactBuildEnvironmentReview{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Ledger database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Artefacts ---

func (s *store) GetArtefact(
	ctx context.Context, id uint,
) (*Artefact, error) {
	var a Artefact
	if err := s.db.WithContext(ctx).
		Preload("Builds").
		First(&a, id).Error; err != nil {
		return nil, wrapNotFound("getting artefact", err)
	}

	return &a, nil
}

// GetOrCreateArtefact looks up an artefact by its family-specific
// identity tuple, creating it at the initial stage of its family's
// pipeline when absent. The passed struct is populated either way.
func (s *store) GetOrCreateArtefact(
	ctx context.Context, a *Artefact,
) error {
	origin := a.Origin()
	if origin == nil {
		return fmt.Errorf("unknown family %q", a.Family)
	}

	if err := origin.Validate(); err != nil {
		return fmt.Errorf("validating artefact origin: %w", err)
	}

	if a.Stage == "" {
		initial, err := pipeline.InitialStage(a.Family)
		if err != nil {
			return err
		}

		a.Stage = initial
	}

	if a.Status == "" {
		a.Status = pipeline.StatusUndecided
	}

	query := s.db.WithContext(ctx).Where("family = ?", a.Family)

	// Uniqueness is family-specific: snaps and charms are identified by
	// name+version+track, debs by name+version+series+repo, images by
	// their content hash alone.
	switch a.Family {
	case pipeline.FamilySnap, pipeline.FamilyCharm:
		query = query.Where(
			"name = ? AND version = ? AND track = ?",
			a.Name, a.Version, a.Track,
		)
	case pipeline.FamilyDeb:
		query = query.Where(
			"name = ? AND version = ? AND series = ? AND repo = ?",
			a.Name, a.Version, a.Series, a.Repo,
		)
	case pipeline.FamilyImage:
		query = query.Where("sha256 = ?", a.SHA256)
	}

	if err := query.FirstOrCreate(a).Error; err != nil {
		return fmt.Errorf("getting or creating artefact: %w", err)
	}

	return nil
}

func (s *store) UpdateArtefact(ctx context.Context, a *Artefact) error {
	if err := s.db.WithContext(ctx).
		Omit("Builds").
		Save(a).Error; err != nil {
		return fmt.Errorf("updating artefact: %w", err)
	}

	return nil
}

// DeleteArtefact removes an artefact together with its builds, their
// test executions, execution results, and build/environment reviews.
// The cascade is executed at the application layer in one transaction
// so it holds on stores without native cascading deletes. Environments
// and test cases are shared reference rows and survive.
func (s *store) DeleteArtefact(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var buildIDs []uint
		if err := tx.Model(&ArtefactBuild{}).
			Where("artefact_id = ?", id).
			Pluck("id", &buildIDs).Error; err != nil {
			return fmt.Errorf("listing builds: %w", err)
		}

		if len(buildIDs) > 0 {
			var executionIDs []uint
			if err := tx.Model(&TestExecution{}).
				Where("artefact_build_id IN ?", buildIDs).
				Pluck("id", &executionIDs).Error; err != nil {
				return fmt.Errorf("listing executions: %w", err)
			}

			if len(executionIDs) > 0 {
				if err := tx.
					Where("test_execution_id IN ?", executionIDs).
					Delete(&TestResult{}).Error; err != nil {
					return fmt.Errorf("deleting test results: %w", err)
				}

				if err := tx.
					Where("id IN ?", executionIDs).
					Delete(&TestExecution{}).Error; err != nil {
					return fmt.Errorf("deleting executions: %w", err)
				}
			}

			if err := tx.
				Where("artefact_build_id IN ?", buildIDs).
				Delete(&ArtefactBuildEnvironmentReview{}).Error; err != nil {
				return fmt.Errorf("deleting environment reviews: %w", err)
			}

			if err := tx.
				Where("id IN ?", buildIDs).
				Delete(&ArtefactBuild{}).Error; err != nil {
				return fmt.Errorf("deleting builds: %w", err)
			}
		}

		if err := tx.Delete(&Artefact{}, id).Error; err != nil {
			return fmt.Errorf("deleting artefact: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("cascading artefact delete: %w", err)
	}

	return nil
}

// ListArtefactsByFamily returns the active (non-archived) artefacts of
// a family, builds preloaded, oldest first.
func (s *store) ListArtefactsByFamily(
	ctx context.Context, family pipeline.FamilyName,
) ([]Artefact, error) {
	var artefacts []Artefact
	if err := s.db.WithContext(ctx).
		Preload("Builds").
		Where("family = ? AND status <> ?", family, pipeline.StatusArchived).
		Order("id ASC").
		Find(&artefacts).Error; err != nil {
		return nil, fmt.Errorf("listing artefacts by family: %w", err)
	}

	return artefacts, nil
}

// CommitStageTransition applies a stage and status mutation to one
// artefact in a single transaction. The promotion engine commits each
// artefact through this before moving on to the next, so a crash
// mid-cycle loses at most one artefact's update.
func (s *store) CommitStageTransition(
	ctx context.Context,
	artefactID uint,
	stage pipeline.StageName,
	status pipeline.ArtefactStatus,
) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Artefact{}).
			Where("id = ?", artefactID).
			Updates(map[string]any{"stage": stage, "status": status})
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("committing stage transition: %w", err)
	}

	return nil
}

// --- Builds ---

func (s *store) GetBuild(
	ctx context.Context, id uint,
) (*ArtefactBuild, error) {
	var b ArtefactBuild
	if err := s.db.WithContext(ctx).First(&b, id).Error; err != nil {
		return nil, wrapNotFound("getting build", err)
	}

	return &b, nil
}

// GetOrCreateBuild enforces (artefact, architecture, revision)
// uniqueness, with at most one null-revision build per (artefact,
// architecture).
func (s *store) GetOrCreateBuild(
	ctx context.Context, b *ArtefactBuild,
) error {
	query := s.db.WithContext(ctx).Where(
		"artefact_id = ? AND architecture = ?",
		b.ArtefactID, b.Architecture,
	)

	if b.Revision == nil {
		query = query.Where("revision IS NULL")
	} else {
		query = query.Where("revision = ?", *b.Revision)
	}

	if err := query.FirstOrCreate(b).Error; err != nil {
		return fmt.Errorf("getting or creating build: %w", err)
	}

	return nil
}

// LatestBuilds selects at most one build per architecture: the highest
// revision, a null revision counting as zero. Deterministic because
// (artefact, architecture, revision) is unique. An artefact with no
// builds yields an empty slice.
func (s *store) LatestBuilds(
	ctx context.Context, artefactID uint,
) ([]ArtefactBuild, error) {
	var builds []ArtefactBuild
	if err := s.db.WithContext(ctx).
		Where("artefact_id = ?", artefactID).
		Order("id ASC").
		Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}

	return SelectLatestBuilds(builds), nil
}

// SelectLatestBuilds partitions builds by architecture and keeps the
// maximum-revision build of each partition.
func SelectLatestBuilds(builds []ArtefactBuild) []ArtefactBuild {
	byArch := make(map[string]ArtefactBuild, len(builds))
	order := make([]string, 0, len(builds))

	for _, b := range builds {
		current, ok := byArch[b.Architecture]
		if !ok {
			byArch[b.Architecture] = b
			order = append(order, b.Architecture)

			continue
		}

		if revisionOrZero(b.Revision) > revisionOrZero(current.Revision) {
			byArch[b.Architecture] = b
		}
	}

	latest := make([]ArtefactBuild, 0, len(byArch))
	for _, arch := range order {
		latest = append(latest, byArch[arch])
	}

	return latest
}

func revisionOrZero(rev *int) int {
	if rev == nil {
		return 0
	}

	return *rev
}

// --- Shared reference entities ---

func (s *store) GetOrCreateEnvironment(
	ctx context.Context, e *Environment,
) error {
	if err := s.db.WithContext(ctx).
		Where("name = ? AND architecture = ?", e.Name, e.Architecture).
		FirstOrCreate(e).Error; err != nil {
		return fmt.Errorf("getting or creating environment: %w", err)
	}

	return nil
}

func (s *store) GetOrCreateTestCase(
	ctx context.Context, tc *TestCase,
) error {
	if err := s.db.WithContext(ctx).
		Where("name = ?", tc.Name).
		Assign(TestCase{Category: tc.Category, TemplateID: tc.TemplateID}).
		FirstOrCreate(tc).Error; err != nil {
		return fmt.Errorf("getting or creating test case: %w", err)
	}

	return nil
}

// --- Test executions ---

func (s *store) CreateTestExecution(
	ctx context.Context, te *TestExecution,
) error {
	if te.Status == "" {
		te.Status = pipeline.ExecutionNotStarted
	}

	if te.ReviewDecision == nil {
		te.ReviewDecision = DecisionList{}
	}

	if err := s.db.WithContext(ctx).Create(te).Error; err != nil {
		return fmt.Errorf("creating test execution: %w", err)
	}

	return nil
}

func (s *store) GetTestExecution(
	ctx context.Context, id uint,
) (*TestExecution, error) {
	var te TestExecution
	if err := s.db.WithContext(ctx).
		Preload("Environment").
		First(&te, id).Error; err != nil {
		return nil, wrapNotFound("getting test execution", err)
	}

	return &te, nil
}

func (s *store) UpdateTestExecution(
	ctx context.Context, te *TestExecution,
) error {
	if err := s.db.WithContext(ctx).
		Omit("Environment", "TestResults").
		Save(te).Error; err != nil {
		return fmt.Errorf("updating test execution: %w", err)
	}

	return nil
}

// ListExecutionsForBuilds returns all executions of the given builds in
// creation order, environments preloaded.
func (s *store) ListExecutionsForBuilds(
	ctx context.Context, buildIDs []uint,
) ([]TestExecution, error) {
	if len(buildIDs) == 0 {
		return nil, nil
	}

	var executions []TestExecution
	if err := s.db.WithContext(ctx).
		Preload("Environment").
		Where("artefact_build_id IN ?", buildIDs).
		Order("id ASC").
		Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	return executions, nil
}

// AddTestResults bulk-inserts results for one execution.
func (s *store) AddTestResults(
	ctx context.Context, executionID uint, results []TestResult,
) error {
	if len(results) == 0 {
		return nil
	}

	for i := range results {
		results[i].TestExecutionID = executionID
	}

	if err := s.db.WithContext(ctx).Create(&results).Error; err != nil {
		return fmt.Errorf("adding test results: %w", err)
	}

	return nil
}

func (s *store) ListTestResults(
	ctx context.Context, executionID uint,
) ([]TestResult, error) {
	var results []TestResult
	if err := s.db.WithContext(ctx).
		Preload("TestCase").
		Where("test_execution_id = ?", executionID).
		Order("id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing test results: %w", err)
	}

	return results, nil
}

// --- Environment reviews ---

func (s *store) GetEnvironmentReview(
	ctx context.Context, buildID, envID uint,
) (*ArtefactBuildEnvironmentReview, error) {
	var r ArtefactBuildEnvironmentReview
	if err := s.db.WithContext(ctx).
		Preload("Environment").
		Where("artefact_build_id = ? AND environment_id = ?", buildID, envID).
		First(&r).Error; err != nil {
		return nil, wrapNotFound("getting environment review", err)
	}

	return &r, nil
}

func (s *store) GetEnvironmentReviewByID(
	ctx context.Context, id uint,
) (*ArtefactBuildEnvironmentReview, error) {
	var r ArtefactBuildEnvironmentReview
	if err := s.db.WithContext(ctx).
		Preload("Environment").
		First(&r, id).Error; err != nil {
		return nil, wrapNotFound("getting environment review", err)
	}

	return &r, nil
}

func (s *store) ListEnvironmentReviews(
	ctx context.Context, buildIDs []uint,
) ([]ArtefactBuildEnvironmentReview, error) {
	if len(buildIDs) == 0 {
		return nil, nil
	}

	var reviews []ArtefactBuildEnvironmentReview
	if err := s.db.WithContext(ctx).
		Preload("Environment").
		Where("artefact_build_id IN ?", buildIDs).
		Order("id ASC").
		Find(&reviews).Error; err != nil {
		return nil, fmt.Errorf("listing environment reviews: %w", err)
	}

	return reviews, nil
}

func (s *store) SaveEnvironmentReview(
	ctx context.Context, r *ArtefactBuildEnvironmentReview,
) error {
	if r.ReviewDecision == nil {
		r.ReviewDecision = DecisionList{}
	}

	if err := s.db.WithContext(ctx).
		Omit("Environment").
		Save(r).Error; err != nil {
		return fmt.Errorf("saving environment review: %w", err)
	}

	return nil
}

func wrapNotFound(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return fmt.Errorf("%s: %w", op, err)
}
