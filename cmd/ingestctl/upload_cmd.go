package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/nikhilbhutani/datasetingest/internal/catalog"
	"github.com/nikhilbhutani/datasetingest/internal/config"
	"github.com/nikhilbhutani/datasetingest/internal/cost"
	"github.com/nikhilbhutani/datasetingest/internal/database"
	"github.com/nikhilbhutani/datasetingest/internal/ingest"
	"github.com/nikhilbhutani/datasetingest/internal/storage"
)

var (
	uploadName        string
	uploadDescription string
	uploadUser        string
	uploadConfigRef   string
	uploadQuiet       bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Run the full ingestion pipeline on a file",
	Long: `Detect, normalize, validate, compress and upload a dataset, then record
it in the catalog. Storage and database settings come from the same
environment variables the API server reads. Without DATABASE_URL the
catalog entry is only kept for the life of the command.

When the catalog write misses its deadline the command keeps retrying it
in the foreground and exits once the run reaches a final state.

Examples:
  ingestctl upload train.jsonl --format chatml --name support-v2 --user 6f1c...
  STORAGE_BACKEND=s3 STORAGE_BUCKET=datasets ingestctl upload train.jsonl -f dpo --name prefs`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().StringVar(&uploadName, "name", "", "Dataset name (required)")
	uploadCmd.Flags().StringVar(&uploadDescription, "description", "", "Dataset description")
	uploadCmd.Flags().StringVar(&uploadUser, "user", os.Getenv("USER_ID"), "Owning user ID")
	uploadCmd.Flags().StringVar(&uploadConfigRef, "config-ref", "", "Training config reference")
	uploadCmd.Flags().BoolVarP(&uploadQuiet, "quiet", "q", false, "No progress bar")
	_ = uploadCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if formatFlag == "" {
		return errors.New("--format is required")
	}
	if uploadUser == "" {
		return errors.New("--user is required (or set USER_ID)")
	}
	data, err := readInput(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := storage.New(ctx, cfg.Storage, storage.Options{
		SingleShotThreshold: cfg.Ingest.SingleShotThreshold,
		ChunkSize:           cfg.Ingest.ChunkSize,
	})
	if err != nil {
		return fmt.Errorf("storage backend %q: %w", cfg.Storage.Backend, err)
	}
	pricing, err := cost.LoadTable(pricingFlag)
	if err != nil {
		return err
	}

	var cat catalog.Store = catalog.NewMemoryStore()
	if cfg.Database.URL != "" {
		db, err := database.NewPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.RunMigrations(ctx, db, database.Migrations); err != nil {
			return err
		}
		cat = catalog.NewPostgresStore(db)
	}

	runs := ingest.NewMemoryStatusStore()
	recovery := ingest.NewRecovery(cat, st, runs)
	retrier := ingest.NewLocalRetrier(recovery, ingest.RetryPolicyFromConfig(cfg.Retry, cfg.Ingest.CatalogDeadline))
	defer retrier.Close()

	svc, err := ingest.NewService(cfg.Ingest, ingest.Deps{
		Storage:  st,
		Bucket:   cfg.Storage.Bucket,
		Catalog:  cat,
		Runs:     runs,
		Deferrer: retrier,
		Pricing:  pricing,
		Recovery: recovery,
	})
	if err != nil {
		return err
	}

	req := ingest.Request{
		UserID:         uploadUser,
		Name:           uploadName,
		Description:    uploadDescription,
		ConfigRef:      uploadConfigRef,
		DeclaredFormat: formatFlag,
		Data:           data,
		Epochs:         epochsFlag,
		Hardware:       hardwareFlag,
	}
	var bar *progressbar.ProgressBar
	if !uploadQuiet {
		req.Progress = func(sent, total int64) {
			if bar == nil {
				bar = newUploadBar(total)
			}
			_ = bar.Set64(sent)
		}
	}

	res, err := svc.Ingest(ctx, req)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		if res != nil && res.Run != nil {
			fmt.Fprintf(os.Stderr, "dataset %s ended in state %s\n", res.Run.DatasetID, res.Run.State)
		}
		return describe(err)
	}

	if res.Accepted {
		fmt.Fprintln(os.Stderr, "catalog write deferred, retrying...")
		status, err := retrier.Wait(ctx, res.Dataset.ID)
		if err != nil {
			return err
		}
		if res.Run, err = svc.Status(ctx, uploadUser, res.Dataset.ID); err != nil {
			return err
		}
		res.Persisted = status == ingest.RetrySucceeded
		if !res.Persisted {
			_ = printJSON(res)
			return fmt.Errorf("catalog write did not succeed (%s); artifact rolled back", status)
		}
	}
	return printJSON(res)
}

func newUploadBar(total int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("uploading"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

