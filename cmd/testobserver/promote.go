package main

import (
	"context"
	"fmt"

	"github.com/canonical/test-observer/pkg/ledger"
	"github.com/canonical/test-observer/pkg/pipeline"
	"github.com/canonical/test-observer/pkg/promoter"
	"github.com/canonical/test-observer/pkg/stores"
	"github.com/spf13/cobra"
)

var promoteCmd = &cobra.Command{
	Use:   "promote <family>",
	Short: "Run one promotion cycle for a family",
	Long: `Run a single promotion pass over the active artefacts of one family
and print the per-artefact outcome. Useful for operating the pipeline
without the background engine.`,
	Args: cobra.ExactArgs(1),
	RunE: runPromote,
}

func init() {
	rootCmd.AddCommand(promoteCmd)
}

func runPromote(cmd *cobra.Command, args []string) error {
	family, err := pipeline.ParseFamily(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	db := ledger.New(log, &cfg.Database)
	if err := db.Start(ctx); err != nil {
		return fmt.Errorf("starting ledger: %w", err)
	}
	defer func() {
		if err := db.Stop(); err != nil {
			log.WithError(err).Warn("Error stopping ledger")
		}
	}()

	registry := stores.NewRegistry(log, &cfg.Promotion)

	engine := promoter.New(
		log, db, registry,
		[]pipeline.FamilyName{family},
		cfg.PromotionInterval(),
	)

	results, err := engine.PromoteAll(ctx, family)
	if err != nil {
		return fmt.Errorf("running promotion cycle: %w", err)
	}

	failed := 0

	for key, ok := range results {
		status := "ok"
		if !ok {
			status = "failed"
			failed++
		}

		fmt.Printf("%-60s %s\n", key, status)
	}

	fmt.Printf("\n%d artefacts processed, %d failed\n", len(results), failed)

	if failed > 0 {
		return fmt.Errorf("%d artefacts failed to reconcile", failed)
	}

	return nil
}
