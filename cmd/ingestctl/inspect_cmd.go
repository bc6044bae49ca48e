package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nikhilbhutani/datasetingest/internal/dataset"
	"github.com/nikhilbhutani/datasetingest/internal/ingest"
)

var errInvalidDataset = errors.New("dataset failed validation")

var detectCmd = &cobra.Command{
	Use:   "detect <file>",
	Short: "Guess the format of a dataset file",
	Long: `Sample the first records of a file and report which training format
they look like. Use - to read from stdin.

Examples:
  ingestctl detect train.jsonl
  cat train.json | ingestctl detect -`,
	Args: cobra.ExactArgs(1),
	RunE: runDetect,
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Normalize and validate a dataset file",
	Long: `Normalize a file in its declared format and run the quality checks
applied before upload. Exits non-zero when the dataset would be rejected.

Examples:
  ingestctl validate train.jsonl --format chatml`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var estimateCmd = &cobra.Command{
	Use:   "estimate <file>",
	Short: "Estimate fine-tuning cost per provider",
	Long: `Validate a file and price a training run on it across every known
provider.

Examples:
  ingestctl estimate train.jsonl --format sharegpt --epochs 2 --hardware a100
  ingestctl estimate train.jsonl --format dpo --pricing rates.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runEstimate,
}

func init() {
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(estimateCmd)
}

func runDetect(cmd *cobra.Command, args []string) error {
	data, err := readInput(args[0])
	if err != nil {
		return err
	}
	d := dataset.Detect(data)
	if d.Format == "" {
		fmt.Fprintln(os.Stderr, "no known format matched; declare one with --format")
	}
	return printJSON(d)
}

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := analyze(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := printJSON(a.Validation); err != nil {
		return err
	}
	if !a.Validation.Valid {
		return errInvalidDataset
	}
	return nil
}

func runEstimate(cmd *cobra.Command, args []string) error {
	a, err := analyze(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := printJSON(a); err != nil {
		return err
	}
	if !a.Validation.Valid {
		return errInvalidDataset
	}
	return nil
}

func analyze(ctx context.Context, path string) (*ingest.Analysis, error) {
	if formatFlag == "" {
		return nil, errors.New("--format is required")
	}
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	svc, err := offlineService()
	if err != nil {
		return nil, err
	}
	a, err := svc.Analyze(ctx, ingest.Request{
		DeclaredFormat: formatFlag,
		Data:           data,
		Epochs:         epochsFlag,
		Hardware:       hardwareFlag,
	})
	if err != nil {
		return nil, describe(err)
	}
	if a.FormatMismatch {
		fmt.Fprintf(os.Stderr, "warning: declared %s but records look like %s\n", a.DeclaredFormat, a.Detection.Format)
	}
	return a, nil
}

// describe flattens an ingest error and its details for the terminal.
func describe(err error) error {
	var ie *ingest.Error
	if !errors.As(err, &ie) || len(ie.Details) == 0 {
		return err
	}
	msg := ie.Message
	for _, d := range ie.Details {
		msg += "\n  - " + d
	}
	return errors.New(msg)
}
