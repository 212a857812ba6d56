package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// ensembleName keys the persisted weights of the configured model.
const ensembleName = "default"

// loadEngine builds the rule engine. With a repository the stored rules
// win; a rules file only seeds an empty repository.
func loadEngine(ctx context.Context, cfg domain.ScoringConfig, repo domain.Repository) (*rules.Engine, error) {
	engine := rules.NewEngine()

	var seed []*domain.RuleSpec
	if cfg.RulesFile != "" {
		specs, err := rules.LoadFile(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		seed = specs
	}

	if repo != nil {
		stored, err := repo.ListRuleSpecs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list rules: %w", err)
		}
		if len(stored) > 0 {
			if len(seed) > 0 {
				slog.Info("repository already holds rules, ignoring rules file",
					"file", cfg.RulesFile,
					"stored", len(stored),
				)
			}
			if err := engine.ReloadRules(stored); err != nil {
				return nil, err
			}
			return engine, nil
		}
		if len(seed) > 0 {
			if err := engine.ValidateRules(seed); err != nil {
				return nil, err
			}
			if err := repo.ReplaceRuleSpecs(ctx, seed); err != nil {
				return nil, fmt.Errorf("failed to seed rules: %w", err)
			}
			slog.Info("seeded rules from file", "file", cfg.RulesFile, "count", len(seed))
		}
	}

	if err := engine.ReloadRules(seed); err != nil {
		return nil, err
	}
	return engine, nil
}

// loadEnsemble builds the anomaly ensemble from the model file. It returns
// nil when no model is configured. Weights stored in the repository
// override those shipped in the file.
func loadEnsemble(ctx context.Context, cfg domain.ScoringConfig, repo domain.Repository) (*ensemble.Aggregator, error) {
	if cfg.ModelFile == "" {
		return nil, nil
	}

	mf, dets, err := detector.LoadModelFile(cfg.ModelFile)
	if err != nil {
		return nil, err
	}

	methodName := cfg.EnsembleMethod
	if mf.Method != "" {
		methodName = mf.Method
	}
	method, err := ensemble.ParseMethod(methodName)
	if err != nil {
		return nil, err
	}

	agg, err := ensemble.New(dets, method)
	if err != nil {
		return nil, err
	}

	weights := mf.Weights
	if repo != nil {
		stored, err := repo.GetEnsembleWeights(ctx, ensembleName)
		switch {
		case err == nil:
			weights = stored
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("failed to load ensemble weights: %w", err)
		}
	}
	if len(weights) > 0 {
		if err := agg.SetWeights(weights); err != nil {
			return nil, fmt.Errorf("invalid ensemble weights: %w", err)
		}
	}

	slog.Info("ensemble loaded",
		"detectors", agg.Detectors(),
		"method", agg.Method(),
		"fitted", agg.Weights() != nil,
	)
	return agg, nil
}

// asDetector keeps a nil aggregator from becoming a non-nil interface.
func asDetector(agg *ensemble.Aggregator) detector.Detector {
	if agg == nil {
		return nil
	}
	return agg
}
