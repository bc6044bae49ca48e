// Package dataset turns uploaded training files into canonical examples:
// format detection, per-format normalization, quality validation and the
// compressed JSONL artifact that is handed to storage.
package dataset

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Format is the closed set of dataset layouts the pipeline understands.
type Format string

const (
	FormatChatML   Format = "chatml"
	FormatShareGPT Format = "sharegpt"
	FormatJSONL    Format = "jsonl"
	FormatDPO      Format = "dpo"
	FormatRLHF     Format = "rlhf"
	FormatRawText  Format = "raw_text"
)

var ErrUnknownFormat = errors.New("dataset: unknown format")

// Formats lists every supported format in detection priority order.
func Formats() []Format {
	return []Format{FormatChatML, FormatShareGPT, FormatDPO, FormatRLHF, FormatJSONL, FormatRawText}
}

// Shape is the canonical example shape a format normalizes into.
type Shape string

const (
	ShapeSupervised Shape = "supervised"
	ShapePreference Shape = "preference"
	ShapeText       Shape = "text"
)

func (f Format) Shape() Shape {
	switch f {
	case FormatDPO, FormatRLHF:
		return ShapePreference
	case FormatRawText:
		return ShapeText
	default:
		return ShapeSupervised
	}
}

func (f Format) String() string { return string(f) }

var versionSuffix = regexp.MustCompile(`[-_.]?v\d+(\.\d+)*$`)

var formatAliases = map[string]Format{
	"chatml":      FormatChatML,
	"chat":        FormatChatML,
	"openai":      FormatChatML,
	"messages":    FormatChatML,
	"sharegpt":    FormatShareGPT,
	"jsonl":       FormatJSONL,
	"json":        FormatJSONL,
	"alpaca":      FormatJSONL,
	"instruction": FormatJSONL,
	"completion":  FormatJSONL,
	"dpo":         FormatDPO,
	"preference":  FormatDPO,
	"rlhf":        FormatRLHF,
	"raw_text":    FormatRawText,
	"rawtext":     FormatRawText,
	"raw":         FormatRawText,
	"text":        FormatRawText,
	"txt":         FormatRawText,
}

// ParseFormat canonicalizes a user-supplied label. Case, surrounding space,
// dashes and version suffixes are ignored, so "ShareGPT_v2" parses as
// FormatShareGPT.
func ParseFormat(label string) (Format, error) {
	s := strings.ToLower(strings.TrimSpace(label))
	s = strings.ReplaceAll(s, "-", "_")
	if f, ok := formatAliases[s]; ok {
		return f, nil
	}
	base := strings.TrimRight(versionSuffix.ReplaceAllString(s, ""), "_")
	if f, ok := formatAliases[base]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, label)
}
