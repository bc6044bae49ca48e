package dataset

import (
	"fmt"
	"math"
)

// ErrorKind separates a file that could not be read at all from a file
// whose individual rows are unusable.
type ErrorKind string

const (
	KindNone  ErrorKind = ""
	KindData  ErrorKind = "data"
	KindFatal ErrorKind = "fatal"
)

// Stats are character-count approximations, not tokenizer counts.
type Stats struct {
	TotalExamples   int     `json:"total_examples"`
	AvgInputLength  float64 `json:"avg_input_length"`
	AvgOutputLength float64 `json:"avg_output_length"`
}

type ValidationResult struct {
	Valid    bool      `json:"valid"`
	Kind     ErrorKind `json:"kind,omitempty"`
	Errors   []string  `json:"errors"`
	Warnings []string  `json:"warnings,omitempty"`
	Stats    *Stats    `json:"stats,omitempty"`
}

// Validate checks a normalization result. normErr is the error Normalize
// returned, if any; it marks the whole file unreadable. Data-quality
// problems never produce an error, only a result with Valid false.
func Validate(res *NormalizationResult, normErr error, opts Options) *ValidationResult {
	if normErr != nil {
		return &ValidationResult{
			Kind:   KindFatal,
			Errors: []string{fmt.Sprintf("file could not be parsed: %v", normErr)},
		}
	}
	if res == nil {
		return &ValidationResult{Kind: KindFatal, Errors: []string{"file could not be parsed: no records"}}
	}

	out := &ValidationResult{Errors: []string{}, Warnings: res.Warnings}

	if len(res.Examples) == 0 {
		out.Errors = append(out.Errors, "dataset contains no usable examples after normalization")
	}
	if res.Failed || res.SkipRatio() > opts.SkipRatioThreshold {
		out.Errors = append(out.Errors, fmt.Sprintf(
			"%d of %d records could not be converted (%.0f%%, limit %.0f%%)",
			res.Skipped, res.Skipped+res.Converted, res.SkipRatio()*100, opts.SkipRatioThreshold*100))
	}
	if r := res.EmptyFieldRatio(); r > opts.EmptyFieldRatioThreshold {
		out.Errors = append(out.Errors, fmt.Sprintf(
			"%d examples have an empty required field (%.0f%%, limit %.0f%%)",
			res.EmptyFields, r*100, opts.EmptyFieldRatioThreshold*100))
	}

	if n := len(res.Examples); n > 0 {
		var in, outLen int64
		for _, ex := range res.Examples {
			in += int64(ex.InputLen())
			outLen += int64(ex.OutputLen())
		}
		out.Stats = &Stats{
			TotalExamples:   n,
			AvgInputLength:  round2(float64(in) / float64(n)),
			AvgOutputLength: round2(float64(outLen) / float64(n)),
		}
	}

	out.Valid = len(out.Errors) == 0
	if !out.Valid {
		out.Kind = KindData
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
