package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nikhilbhutani/datasetingest/internal/models"
)

// DB is the part of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const datasetColumns = `id, user_id, name, description, config_ref, declared_format, detected_format, format_mismatch,
	storage_path, file_size_bytes, total_examples, avg_input_length, avg_output_length, compression, cost_estimates, created_at`

func (s *PostgresStore) Record(ctx context.Context, ds *models.Dataset) error {
	compression, err := json.Marshal(ds.Compression)
	if err != nil {
		return fmt.Errorf("marshal compression: %w", err)
	}
	costs, err := json.Marshal(ds.CostEstimates)
	if err != nil {
		return fmt.Errorf("marshal cost estimates: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO datasets (`+datasetColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			config_ref = EXCLUDED.config_ref,
			declared_format = EXCLUDED.declared_format,
			detected_format = EXCLUDED.detected_format,
			format_mismatch = EXCLUDED.format_mismatch,
			storage_path = EXCLUDED.storage_path,
			file_size_bytes = EXCLUDED.file_size_bytes,
			total_examples = EXCLUDED.total_examples,
			avg_input_length = EXCLUDED.avg_input_length,
			avg_output_length = EXCLUDED.avg_output_length,
			compression = EXCLUDED.compression,
			cost_estimates = EXCLUDED.cost_estimates,
			updated_at = now()`,
		ds.ID, ds.UserID, ds.Name, ds.Description, ds.ConfigRef, ds.Format, ds.DetectedFormat, ds.FormatMismatch,
		ds.StoragePath, ds.FileSizeBytes, ds.TotalExamples, ds.AvgInputLength, ds.AvgOutputLength,
		compression, costs, ds.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert dataset %s: %w", ds.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Dataset, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE id = $1 AND user_id = $2`, id, userID)
	ds, err := scanDataset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset %s: %w", id, err)
	}
	return ds, nil
}

func (s *PostgresStore) List(ctx context.Context, userID string) ([]models.Dataset, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var datasets []models.Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		datasets = append(datasets, *ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	return datasets, nil
}

func scanDataset(row pgx.Row) (*models.Dataset, error) {
	var (
		ds                 models.Dataset
		compression, costs []byte
	)
	err := row.Scan(&ds.ID, &ds.UserID, &ds.Name, &ds.Description, &ds.ConfigRef, &ds.Format, &ds.DetectedFormat,
		&ds.FormatMismatch, &ds.StoragePath, &ds.FileSizeBytes, &ds.TotalExamples, &ds.AvgInputLength,
		&ds.AvgOutputLength, &compression, &costs, &ds.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(compression, &ds.Compression); err != nil {
		return nil, fmt.Errorf("decode compression: %w", err)
	}
	if err := json.Unmarshal(costs, &ds.CostEstimates); err != nil {
		return nil, fmt.Errorf("decode cost estimates: %w", err)
	}
	return &ds, nil
}
