// ingestctl runs the dataset ingestion pipeline from a terminal: inspect a
// file offline, or push it through the same pipeline the API uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nikhilbhutani/datasetingest/internal/catalog"
	"github.com/nikhilbhutani/datasetingest/internal/config"
	"github.com/nikhilbhutani/datasetingest/internal/cost"
	"github.com/nikhilbhutani/datasetingest/internal/ingest"
)

var version = "dev"

var (
	formatFlag   string
	epochsFlag   int
	hardwareFlag string
	pricingFlag  string
	verbose      bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ingestctl",
	Short: "Inspect, validate and upload fine-tuning datasets",
	Long: `ingestctl runs the dataset ingestion pipeline outside the API.

Examples:
  ingestctl detect train.jsonl
  ingestctl validate train.jsonl --format sharegpt
  ingestctl estimate train.jsonl --format chatml --epochs 4 --hardware h100
  ingestctl upload train.jsonl --format chatml --name support-v2 --user <uuid>`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "", "Declared format (chatml, sharegpt, jsonl, dpo, rlhf, raw_text)")
	rootCmd.PersistentFlags().IntVar(&epochsFlag, "epochs", 0, "Training epochs for cost estimates (0 = default)")
	rootCmd.PersistentFlags().StringVar(&hardwareFlag, "hardware", "", "Hardware tier for cost estimates")
	rootCmd.PersistentFlags().StringVar(&pricingFlag, "pricing", os.Getenv("PRICING_FILE"), "YAML pricing override")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
}

// offlineService builds a service with no storage, for the commands that
// never upload.
func offlineService() (*ingest.Service, error) {
	pricing, err := cost.LoadTable(pricingFlag)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return ingest.NewService(cfg.Ingest, ingest.Deps{
		Catalog: catalog.NewMemoryStore(),
		Pricing: pricing,
	})
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
