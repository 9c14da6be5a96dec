package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/canonical/test-observer/pkg/api"
	"github.com/canonical/test-observer/pkg/config"
	"github.com/canonical/test-observer/pkg/ledger"
	"github.com/canonical/test-observer/pkg/pipeline"
	"github.com/canonical/test-observer/pkg/promoter"
	"github.com/canonical/test-observer/pkg/review"
	"github.com/canonical/test-observer/pkg/stores"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the test-observer server",
	Long: `Start the test-observer API server together with the background
promotion engine (when enabled in the configuration).`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	db := ledger.New(log, &cfg.Database)
	if err := db.Start(ctx); err != nil {
		return fmt.Errorf("starting ledger: %w", err)
	}

	reviews := review.New(log, db)

	registry := stores.NewRegistry(log, &cfg.Promotion)

	families, err := promotionFamilies(cfg)
	if err != nil {
		return err
	}

	engine := promoter.New(
		log, db, registry, families, cfg.PromotionInterval(),
	)

	if cfg.Promotion.Enabled {
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("starting promotion engine: %w", err)
		}
	}

	srv := api.NewServer(log, cfg, db, reviews, engine)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("Error stopping api server")
	}

	if cfg.Promotion.Enabled {
		if err := engine.Stop(); err != nil {
			log.WithError(err).Warn("Error stopping promotion engine")
		}
	}

	if err := db.Stop(); err != nil {
		log.WithError(err).Warn("Error stopping ledger")
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// promotionFamilies resolves the families the promotion engine covers.
// When the config names none, every known family is covered; families
// without a store client are skipped at cycle time.
func promotionFamilies(cfg *config.Config) ([]pipeline.FamilyName, error) {
	if len(cfg.Promotion.Families) == 0 {
		return pipeline.Families(), nil
	}

	families := make([]pipeline.FamilyName, 0, len(cfg.Promotion.Families))

	for _, name := range cfg.Promotion.Families {
		family, err := pipeline.ParseFamily(name)
		if err != nil {
			return nil, fmt.Errorf("parsing promotion families: %w", err)
		}

		families = append(families, family)
	}

	return families, nil
}
