package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/spf13/cobra"
)

func newEnsembleCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ensemble",
		Short: "Manage detector ensemble weights",
	}

	var (
		dataFile    string
		labelColumn string
	)
	fit := &cobra.Command{
		Use:   "fit",
		Short: "Fit ensemble weights on labelled data and store them",
		Long: `Fit reads a CSV whose header names the configured feature columns
and a label column (1/true marks fraud), fits the ensemble weights by
logistic regression and stores them in the repository. Running servers
pick them up on restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if cfg.Scoring.ModelFile == "" {
				return fmt.Errorf("%w: no model file configured", domain.ErrInvalidInput)
			}

			X, y, err := readLabelled(dataFile, cfg.Scoring.FeatureNames, labelColumn)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			agg, err := loadEnsemble(ctx, cfg.Scoring, nil)
			if err != nil {
				return err
			}
			weights, err := agg.FitWeights(ctx, X, y)
			if err != nil {
				return err
			}

			repo, err := repository.New(cfg.Repository)
			if err != nil {
				return fmt.Errorf("failed to initialize repository: %w", err)
			}
			defer repo.Close()

			if err := repo.SaveEnsembleWeights(ctx, ensembleName, weights); err != nil {
				return fmt.Errorf("failed to save weights: %w", err)
			}

			for i, name := range agg.Detectors() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %.4f\n", name, weights[i])
			}
			return nil
		},
	}
	fit.Flags().StringVar(&dataFile, "data", "", "labelled CSV file")
	fit.Flags().StringVar(&labelColumn, "label", "label", "label column name")
	fit.Flags().String("model", "", "detector model file")
	fit.Flags().String("db", "", "sqlite database path")
	fit.MarkFlagRequired("data")

	cmd.AddCommand(fit)
	return cmd
}

// readLabelled loads the feature matrix in the order of names, plus labels.
func readLabelled(path string, names []string, label string) ([][]float64, []bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}

	idx := make([]int, len(names))
	for i, n := range names {
		c, ok := col[n]
		if !ok {
			return nil, nil, fmt.Errorf("%w: column %q", domain.ErrMissingField, n)
		}
		idx[i] = c
	}
	labelIdx, ok := col[label]
	if !ok {
		return nil, nil, fmt.Errorf("%w: column %q", domain.ErrMissingField, label)
	}

	var X [][]float64
	var y []bool
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}

		row := make([]float64, len(idx))
		for i, c := range idx {
			v, err := strconv.ParseFloat(rec[c], 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: line %d column %q: %v", domain.ErrInvalidInput, line, names[i], err)
			}
			row[i] = v
		}
		lbl := rec[labelIdx] == "1" || rec[labelIdx] == "true"

		X = append(X, row)
		y = append(y, lbl)
	}
	if len(X) == 0 {
		return nil, nil, fmt.Errorf("%w: no data rows", domain.ErrInvalidInput)
	}
	return X, y, nil
}
