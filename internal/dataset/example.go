package dataset

import "unicode/utf8"

// Example is one canonical training record. Exactly one of Pair,
// Preference or Text is produced for a given dataset, chosen by its format.
type Example interface {
	Shape() Shape
	// InputLen and OutputLen are character (rune) counts cached at
	// normalization time so validation does not walk the text again.
	InputLen() int
	OutputLen() int
	record() any
}

// Pair is a supervised input/output example.
type Pair struct {
	Input  string
	Output string

	inLen, outLen int
}

func NewPair(input, output string) *Pair {
	return &Pair{
		Input:  input,
		Output: output,
		inLen:  utf8.RuneCountInString(input),
		outLen: utf8.RuneCountInString(output),
	}
}

func (p *Pair) Shape() Shape   { return ShapeSupervised }
func (p *Pair) InputLen() int  { return p.inLen }
func (p *Pair) OutputLen() int { return p.outLen }
func (p *Pair) record() any    { return pairRecord{Input: p.Input, Output: p.Output} }

// Preference is a chosen/rejected completion pair with an optional prompt.
// Its input length is the prompt and its output length is the chosen
// completion.
type Preference struct {
	Prompt   string
	Chosen   string
	Rejected string

	inLen, outLen int
}

func NewPreference(prompt, chosen, rejected string) *Preference {
	return &Preference{
		Prompt:   prompt,
		Chosen:   chosen,
		Rejected: rejected,
		inLen:    utf8.RuneCountInString(prompt),
		outLen:   utf8.RuneCountInString(chosen),
	}
}

func (p *Preference) Shape() Shape   { return ShapePreference }
func (p *Preference) InputLen() int  { return p.inLen }
func (p *Preference) OutputLen() int { return p.outLen }
func (p *Preference) record() any {
	return preferenceRecord{Prompt: p.Prompt, Chosen: p.Chosen, Rejected: p.Rejected}
}

// Text is a continued-pretraining block. It has no output side.
type Text struct {
	Body string

	n int
}

func NewText(body string) *Text {
	return &Text{Body: body, n: utf8.RuneCountInString(body)}
}

func (t *Text) Shape() Shape   { return ShapeText }
func (t *Text) InputLen() int  { return t.n }
func (t *Text) OutputLen() int { return 0 }
func (t *Text) record() any    { return textRecord{Text: t.Body} }

// Serialized field sets, one per shape. Struct field order fixes the key
// order in the artifact.
type pairRecord struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

type preferenceRecord struct {
	Prompt   string `json:"prompt,omitempty"`
	Chosen   string `json:"chosen"`
	Rejected string `json:"rejected"`
}

type textRecord struct {
	Text string `json:"text"`
}
