package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/datasetingest/internal/models"
)

func sampleDataset(userID string) *models.Dataset {
	return &models.Dataset{
		ID:              uuid.New(),
		UserID:          userID,
		Name:            "support-chats",
		Format:          "sharegpt",
		DetectedFormat:  "chatml",
		FormatMismatch:  true,
		StoragePath:     userID + "/datasets/x.jsonl.gz",
		FileSizeBytes:   2048,
		TotalExamples:   10,
		AvgInputLength:  42.5,
		AvgOutputLength: 17,
		Compression:     models.Compression{Type: "gzip", OriginalBytes: 4000, CompressedBytes: 900},
		CostEstimates:   map[string]float64{"openai": 0.0142},
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ds := sampleDataset("user-1")

	require.NoError(t, s.Record(ctx, ds))
	// Upserting the same id again keeps one row.
	require.NoError(t, s.Record(ctx, ds))

	got, err := s.Get(ctx, "user-1", ds.ID)
	require.NoError(t, err)
	assert.Equal(t, ds, got)

	got.CostEstimates["openai"] = 99
	again, _ := s.Get(ctx, "user-1", ds.ID)
	assert.Equal(t, 0.0142, again.CostEstimates["openai"])

	_, err = s.Get(ctx, "user-2", ds.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.List(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewMemoryStore().Record(ctx, sampleDataset("u")), context.Canceled)
}

// fakeDB records Exec calls and serves a single canned row.
type fakeDB struct {
	execSQL  string
	execArgs []any
	execErr  error
	row      []any
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL, f.execArgs = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow(f.row)
}

type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if r == nil {
		return pgx.ErrNoRows
	}
	if len(dest) != len(r) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r))
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r[i]))
	}
	return nil
}

func TestPostgresStore_Record(t *testing.T) {
	db := &fakeDB{}
	ds := sampleDataset("user-1")

	require.NoError(t, NewPostgresStore(db).Record(context.Background(), ds))
	assert.Contains(t, db.execSQL, "ON CONFLICT (id) DO UPDATE")
	require.Len(t, db.execArgs, 16)
	assert.Equal(t, ds.ID, db.execArgs[0])
	assert.Equal(t, "sharegpt", db.execArgs[5])
	assert.JSONEq(t, `{"type":"gzip","originalBytes":4000,"compressedBytes":900}`, string(db.execArgs[13].([]byte)))
	assert.JSONEq(t, `{"openai":0.0142}`, string(db.execArgs[14].([]byte)))

	db.execErr = errors.New("connection reset")
	err := NewPostgresStore(db).Record(context.Background(), ds)
	assert.ErrorContains(t, err, "connection reset")
}

func TestPostgresStore_Get(t *testing.T) {
	ds := sampleDataset("user-1")
	compression, _ := json.Marshal(ds.Compression)
	costs, _ := json.Marshal(ds.CostEstimates)

	db := &fakeDB{row: []any{
		ds.ID, ds.UserID, ds.Name, ds.Description, ds.ConfigRef, ds.Format, ds.DetectedFormat, ds.FormatMismatch,
		ds.StoragePath, ds.FileSizeBytes, ds.TotalExamples, ds.AvgInputLength, ds.AvgOutputLength,
		compression, costs, ds.CreatedAt,
	}}
	got, err := NewPostgresStore(db).Get(context.Background(), "user-1", ds.ID)
	require.NoError(t, err)
	assert.Equal(t, ds, got)

	_, err = NewPostgresStore(&fakeDB{}).Get(context.Background(), "user-1", ds.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
