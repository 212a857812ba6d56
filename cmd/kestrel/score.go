package main

import (
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/spf13/cobra"
)

func newScoreCmd(load configLoader) *cobra.Command {
	var (
		payload    string
		entityID   string
		fusionMode string
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score one payload offline against a rules file",
		Example: `  kestrel score --rules rules.yaml --entity acct-1 \
    --payload '{"amount": 2500, "country": "NG"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}

			req := domain.ScoreRequest{EntityID: entityID, FusionMode: fusionMode}
			if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
				return fmt.Errorf("%w: payload: %v", domain.ErrInvalidInput, err)
			}

			ctx := cmd.Context()
			engine, err := loadEngine(ctx, cfg.Scoring, nil)
			if err != nil {
				return err
			}
			agg, err := loadEnsemble(ctx, cfg.Scoring, nil)
			if err != nil {
				return err
			}

			store := features.NewStore(features.NewMemoryBackend(0))
			defer store.Close()

			pipeline := scoring.NewPipeline(engine, store, asDetector(agg), cfg.Scoring, newLogger(cfg.Logging))
			resp, err := pipeline.Score(ctx, &req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "{}", "transaction payload as a JSON object")
	cmd.Flags().StringVar(&entityID, "entity", "cli", "entity id")
	cmd.Flags().StringVar(&fusionMode, "fusion-mode", "", "override the fusion mode (linear, logit)")
	cmd.Flags().String("rules", "", "rules file")
	cmd.Flags().String("model", "", "detector model file")
	cmd.Flags().String("log-level", "", "log level")
	cmd.Flags().String("log-format", "", "log format")
	return cmd
}
