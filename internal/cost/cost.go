// Package cost projects fine-tuning spend from dataset statistics. Token
// counts are a character-length proxy, not tokenizer output.
package cost

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/nikhilbhutani/datasetingest/internal/dataset"
)

var (
	ErrUnknownProvider = errors.New("cost: unknown provider")
	ErrUnknownHardware = errors.New("cost: unknown hardware")
)

// Table holds provider rates (USD per 1K tokens per epoch) and hardware
// multipliers.
type Table struct {
	Providers map[string]float64 `yaml:"providers" json:"providers"`
	Hardware  map[string]float64 `yaml:"hardware" json:"hardware"`
}

// EstimateTokens approximates the tokens in one epoch as
// total_examples * (avg_input_length + avg_output_length).
func EstimateTokens(s dataset.Stats) int64 {
	return int64(math.Round(float64(s.TotalExamples) * (s.AvgInputLength + s.AvgOutputLength)))
}

func (t Table) Estimate(tokens int64, epochs int, provider, hardware string) (float64, error) {
	rate, ok := t.Providers[provider]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	mult, err := t.multiplier(hardware)
	if err != nil {
		return 0, err
	}
	if epochs < 1 {
		return 0, fmt.Errorf("cost: epochs must be at least 1, got %d", epochs)
	}
	if tokens < 0 {
		return 0, fmt.Errorf("cost: negative token count %d", tokens)
	}
	return round4(float64(tokens) / 1000.0 * rate * float64(epochs) * mult), nil
}

// EstimateAll prices the run on every provider in the table.
func (t Table) EstimateAll(tokens int64, epochs int, hardware string) (map[string]float64, error) {
	out := make(map[string]float64, len(t.Providers))
	for _, p := range t.ProviderNames() {
		c, err := t.Estimate(tokens, epochs, p, hardware)
		if err != nil {
			return nil, err
		}
		out[p] = c
	}
	return out, nil
}

func (t Table) ProviderNames() []string {
	names := make([]string, 0, len(t.Providers))
	for p := range t.Providers {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

func (t Table) multiplier(hardware string) (float64, error) {
	if hardware == "" {
		hardware = DefaultHardware
	}
	m, ok := t.Hardware[hardware]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownHardware, hardware)
	}
	return m, nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
