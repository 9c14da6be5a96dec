// Package promoter reconciles artefact pipeline positions against the
// external package stores, advancing or archiving artefacts as the
// stores report movement.
package promoter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/canonical/test-observer/pkg/ledger"
	"github.com/canonical/test-observer/pkg/pipeline"
	"github.com/canonical/test-observer/pkg/stores"
	"github.com/sirupsen/logrus"
)

// Engine runs promotion cycles: one pass over all active artefacts of
// a family, each reconciled against its external store.
type Engine interface {
	Start(ctx context.Context) error
	Stop() error

	// PromoteAll runs one cycle for a family and reports per-artefact
	// success keyed by "family - name - version". A store fetch failure
	// marks that artefact false and the cycle continues; a ledger
	// failure aborts the cycle.
	PromoteAll(
		ctx context.Context, family pipeline.FamilyName,
	) (map[string]bool, error)
}

// Compile-time interface check.
var _ Engine = (*engine)(nil)

type engine struct {
	log      logrus.FieldLogger
	db       ledger.Ledger
	clients  stores.Registry
	families []pipeline.FamilyName
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a promotion Engine. The store clients are passed in
// explicitly so tests can substitute fakes.
func New(
	log logrus.FieldLogger,
	db ledger.Ledger,
	clients stores.Registry,
	families []pipeline.FamilyName,
	interval time.Duration,
) Engine {
	return &engine{
		log:      log.WithField("component", "promoter"),
		db:       db,
		clients:  clients,
		families: families,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches a background goroutine that runs an immediate cycle
// and then ticks at the configured interval.
func (e *engine) Start(ctx context.Context) error {
	e.log.WithFields(logrus.Fields{
		"interval": e.interval.String(),
		"families": e.families,
	}).Info("Starting promotion engine")

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		e.runCycle(ctx)

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.runCycle(ctx)
			case <-e.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the engine goroutine to stop and waits for it.
func (e *engine) Stop() error {
	close(e.done)
	e.wg.Wait()

	e.log.Info("Promotion engine stopped")

	return nil
}

// runCycle executes one promotion pass across all configured families.
func (e *engine) runCycle(ctx context.Context) {
	start := time.Now()

	for _, family := range e.families {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		default:
		}

		results, err := e.PromoteAll(ctx, family)
		if err != nil {
			e.log.WithError(err).
				WithField("family", family).
				Error("Promotion cycle aborted")

			continue
		}

		failed := 0

		for key, ok := range results {
			if !ok {
				failed++

				e.log.WithField("artefact", key).
					Warn("Artefact promotion failed")
			}
		}

		e.log.WithFields(logrus.Fields{
			"family":    family,
			"processed": len(results),
			"failed":    failed,
		}).Info("Family promotion pass completed")
	}

	e.log.WithField("duration", time.Since(start).Round(time.Millisecond)).
		Info("Promotion cycle completed")
}

// PromoteAll processes the active artefacts of one family
// sequentially. Each artefact's stage/status mutation is committed in
// its own transaction before the next artefact is touched.
func (e *engine) PromoteAll(
	ctx context.Context, family pipeline.FamilyName,
) (map[string]bool, error) {
	client, err := e.clients.For(family)
	if err != nil {
		// Families without an external store have nothing to reconcile.
		e.log.WithField("family", family).
			Debug("No store client for family, skipping")

		return map[string]bool{}, nil
	}

	artefacts, err := e.db.ListArtefactsByFamily(ctx, family)
	if err != nil {
		return nil, fmt.Errorf("listing artefacts: %w", err)
	}

	results := make(map[string]bool, len(artefacts))

	for i := range artefacts {
		a := &artefacts[i]

		if err := e.reconcileArtefact(ctx, client, a); err != nil {
			results[a.Key()] = false

			e.log.WithError(err).
				WithField("artefact", a.Key()).
				Warn("Failed to reconcile artefact")

			continue
		}

		results[a.Key()] = true
	}

	return results, nil
}

// reconcileArtefact fetches the artefact's external channel map and
// applies the stage state machine: archive when a different revision
// occupies the current stage, promote when every architecture present
// at the next stage confirms the same version and revision.
func (e *engine) reconcileArtefact(
	ctx context.Context, client stores.Client, a *ledger.Artefact,
) error {
	latest := ledger.SelectLatestBuilds(a.Builds)
	if len(latest) == 0 {
		// No builds means no architectures to reconcile.
		return nil
	}

	architectures := make([]string, 0, len(latest))
	for _, b := range latest {
		architectures = append(architectures, b.Architecture)
	}

	entries, err := client.ChannelMap(ctx, a, architectures)
	if err != nil {
		return fmt.Errorf("fetching channel map: %w", err)
	}

	next, err := pipeline.NextStage(a.Family, a.Stage)
	if err != nil {
		return err
	}

	// Architectures seen at the next stage, and how many of them
	// confirm the promotion. A single mismatch suppresses promotion for
	// the whole artefact this cycle.
	archesAtNext := 0
	archesConfirmed := 0

	for _, build := range latest {
		for _, entry := range entries {
			if entry.Architecture != build.Architecture {
				continue
			}

			stage, err := pipeline.StageFromLocation(a.Family, entry.Location)
			if err != nil {
				e.log.WithField("artefact", a.Key()).
					WithField("location", entry.Location).
					Debug("Ignoring unknown external location")

				continue
			}

			// A different revision at the artefact's own stage means a
			// newer upload superseded it. Archival is final for this
			// cycle; this check also covers the terminal stage.
			if stage == a.Stage &&
				revisionsDiffer(entry.Revision, build.Revision) {
				e.log.WithFields(logrus.Fields{
					"artefact": a.Key(),
					"stage":    a.Stage,
					"arch":     build.Architecture,
				}).Info("Artefact superseded, archiving")

				return e.db.CommitStageTransition(
					ctx, a.ID, a.Stage, pipeline.StatusArchived,
				)
			}

			if stage == next && next != a.Stage {
				archesAtNext++

				if entry.Version == a.Version &&
					revisionsEqual(entry.Revision, build.Revision) {
					archesConfirmed++
				}
			}
		}
	}

	if archesAtNext == 0 || archesConfirmed != archesAtNext {
		return nil
	}

	e.log.WithFields(logrus.Fields{
		"artefact": a.Key(),
		"from":     a.Stage,
		"to":       next,
	}).Info("Promoting artefact")

	if err := e.db.CommitStageTransition(ctx, a.ID, next, a.Status); err != nil {
		return err
	}

	a.Stage = next

	return nil
}

// revisionsDiffer reports a definite mismatch. Stores without a
// revision concept (nil on either side) never differ.
func revisionsDiffer(external, local *int) bool {
	if external == nil || local == nil {
		return false
	}

	return *external != *local
}

// revisionsEqual reports a confirmed match: both absent or both equal.
func revisionsEqual(external, local *int) bool {
	if external == nil && local == nil {
		return true
	}

	if external == nil || local == nil {
		return false
	}

	return *external == *local
}
