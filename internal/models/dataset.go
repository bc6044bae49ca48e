package models

import (
	"time"

	"github.com/google/uuid"
)

// Dataset is the catalog row persisted once an ingested artifact is durable.
type Dataset struct {
	ID              uuid.UUID          `json:"id" db:"id"`
	UserID          string             `json:"user_id" db:"user_id"`
	Name            string             `json:"name" db:"name"`
	Description     string             `json:"description,omitempty" db:"description"`
	ConfigRef       string             `json:"config_ref,omitempty" db:"config_ref"`
	Format          string             `json:"format" db:"declared_format"`
	DetectedFormat  string             `json:"detectedFormat" db:"detected_format"`
	FormatMismatch  bool               `json:"formatMismatch" db:"format_mismatch"`
	StoragePath     string             `json:"storage_path" db:"storage_path"`
	FileSizeBytes   int64              `json:"file_size_bytes" db:"file_size_bytes"`
	TotalExamples   int                `json:"total_examples" db:"total_examples"`
	AvgInputLength  float64            `json:"avg_input_length" db:"avg_input_length"`
	AvgOutputLength float64            `json:"avg_output_length" db:"avg_output_length"`
	Compression     Compression        `json:"compression" db:"compression"`
	CostEstimates   map[string]float64 `json:"cost_estimates" db:"cost_estimates"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
}

type Compression struct {
	Type            string `json:"type"`
	OriginalBytes   int64  `json:"originalBytes"`
	CompressedBytes int64  `json:"compressedBytes"`
}

// Ratio is compressed size over original size; 0 for an empty artifact.
func (c Compression) Ratio() float64 {
	if c.OriginalBytes == 0 {
		return 0
	}
	return float64(c.CompressedBytes) / float64(c.OriginalBytes)
}
