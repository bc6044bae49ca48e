package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/datasetingest/internal/ingest"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDescribe(t *testing.T) {
	plain := errors.New("plain")
	assert.Same(t, plain, describe(plain))

	err := describe(&ingest.Error{
		Kind:    ingest.KindValidation,
		Message: "invalid ingestion request",
		Details: []string{"name is required", "file is empty"},
	})
	assert.Equal(t, "invalid ingestion request\n  - name is required\n  - file is empty", err.Error())
}

func TestValidateCommand(t *testing.T) {
	t.Cleanup(func() { formatFlag = "" })

	tests := []struct {
		name    string
		format  string
		body    string
		wantErr error
	}{
		{"valid chatml", "chatml", `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}` + "\n", nil},
		{"unreadable array", "chatml", `[{"messages": [`, errInvalidDataset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatFlag = tt.format
			validateCmd.SetContext(t.Context())
			err := runValidate(validateCmd, []string{writeFile(t, tt.body)})
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAnalyzeRequiresFormat(t *testing.T) {
	formatFlag = ""
	_, err := analyze(t.Context(), writeFile(t, "hello\n"))
	assert.EqualError(t, err, "--format is required")
}

func TestUploadHelpUsesConfigVariables(t *testing.T) {
	assert.Contains(t, uploadCmd.Long, "STORAGE_BUCKET=")
	assert.NotContains(t, uploadCmd.Long, "S3_BUCKET")
}
