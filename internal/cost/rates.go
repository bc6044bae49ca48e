package cost

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// defaultProviderRates stores training prices in USD per 1K tokens seen,
// per epoch.
var defaultProviderRates = map[string]float64{
	"openai":    0.008,
	"together":  0.003,
	"fireworks": 0.002,
	"modal":     0.0025,
}

// defaultHardware multiplies the provider rate. "standard" is the
// provider's default accelerator.
var defaultHardware = map[string]float64{
	"standard": 1.0,
	"a10g":     0.6,
	"l40s":     0.85,
	"a100":     1.0,
	"h100":     1.6,
}

// DefaultHardware is used when a request names no hardware.
const DefaultHardware = "standard"

func DefaultTable() Table {
	t := Table{
		Providers: make(map[string]float64, len(defaultProviderRates)),
		Hardware:  make(map[string]float64, len(defaultHardware)),
	}
	for k, v := range defaultProviderRates {
		t.Providers[k] = v
	}
	for k, v := range defaultHardware {
		t.Hardware[k] = v
	}
	return t
}

// LoadTable returns the default table with the entries of the YAML file at
// path layered on top. An empty path returns the defaults.
//
//	providers:
//	  openai: 0.006
//	hardware:
//	  h200: 2.1
func LoadTable(path string) (Table, error) {
	t := DefaultTable()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read pricing file: %w", err)
	}

	var override Table
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Table{}, fmt.Errorf("parse pricing file %s: %w", path, err)
	}

	for k, v := range override.Providers {
		if v < 0 {
			return Table{}, fmt.Errorf("pricing file %s: provider %q has negative rate", path, k)
		}
		t.Providers[k] = v
	}
	for k, v := range override.Hardware {
		if v <= 0 {
			return Table{}, fmt.Errorf("pricing file %s: hardware %q needs a positive multiplier", path, k)
		}
		t.Hardware[k] = v
	}
	return t, nil
}
