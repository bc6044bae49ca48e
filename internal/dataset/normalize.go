package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// PairPolicy selects which user→assistant pairs of a multi-turn
// conversation become examples.
type PairPolicy string

const (
	// PairsAll emits every adjacent user→assistant pair.
	PairsAll PairPolicy = "all"
	// PairsLast emits only the final pair of each conversation.
	PairsLast PairPolicy = "last"
)

// maxWarnings bounds the per-record warnings kept on a result; the rest
// are summarized in a single trailing line.
const maxWarnings = 20

type Options struct {
	PairPolicy               PairPolicy
	RawTextDelimiter         string
	SkipRatioThreshold       float64
	EmptyFieldRatioThreshold float64
}

func DefaultOptions() Options {
	return Options{
		PairPolicy:               PairsAll,
		RawTextDelimiter:         "<|endoftext|>",
		SkipRatioThreshold:       0.5,
		EmptyFieldRatioThreshold: 0.1,
	}
}

// NormalizationResult is the output of one normalization pass.
type NormalizationResult struct {
	DetectedFormat Format
	Examples       []Example
	// Converted and Skipped count source records, not examples: one
	// conversation may yield several examples.
	Converted int
	Skipped   int
	// EmptyFields counts candidate examples dropped because a required
	// field was blank.
	EmptyFields int
	// Failed is set when the skip ratio exceeds the configured threshold.
	Failed   bool
	Warnings []string

	suppressed int
}

// SkipRatio is skipped / (converted + skipped).
func (r *NormalizationResult) SkipRatio() float64 {
	total := r.Converted + r.Skipped
	if total == 0 {
		return 0
	}
	return float64(r.Skipped) / float64(total)
}

// EmptyFieldRatio is dropped candidates over all candidates.
func (r *NormalizationResult) EmptyFieldRatio() float64 {
	total := len(r.Examples) + r.EmptyFields
	if total == 0 {
		return 0
	}
	return float64(r.EmptyFields) / float64(total)
}

func (r *NormalizationResult) warn(format string, args ...any) {
	if len(r.Warnings) >= maxWarnings {
		r.suppressed++
		return
	}
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *NormalizationResult) finish(opts Options) {
	if r.suppressed > 0 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%d more warnings suppressed", r.suppressed))
		r.suppressed = 0
	}
	r.Failed = r.SkipRatio() > opts.SkipRatioThreshold
}

// recordHandler converts one decoded record. It returns the examples it
// produced and how many candidates it dropped for blank fields; an error
// means the record is unusable and is skipped.
type recordHandler func(obj map[string]json.RawMessage, opts Options) ([]Example, int, error)

var errNoPairs = errors.New("no user turn followed by an assistant turn")

// Normalize converts data, already identified as format f, into canonical
// examples. Malformed records are skipped and counted; the only error
// returned is a *ParseError with Fatal set, when the file could not be
// split into records at all.
func Normalize(f Format, data []byte, opts Options) (*NormalizationResult, error) {
	var h recordHandler
	switch f {
	case FormatChatML:
		h = normalizeChatML
	case FormatShareGPT:
		h = normalizeShareGPT
	case FormatDPO, FormatRLHF:
		h = normalizePreference
	case FormatJSONL:
		h = normalizeGenericPair
	case FormatRawText:
		res := normalizeRawText(data, opts)
		res.finish(opts)
		return res, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}

	recs, err := splitRecords(data, 0)
	if err != nil {
		return nil, err
	}

	res := &NormalizationResult{DetectedFormat: f}
	for _, rec := range recs {
		obj, err := decodeObject(rec.data)
		if err != nil {
			res.Skipped++
			res.warn("record %d: %v", rec.index, err)
			continue
		}
		exs, empty, err := h(obj, opts)
		res.EmptyFields += empty
		if err != nil {
			res.Skipped++
			res.warn("record %d: %v", rec.index, err)
			continue
		}
		res.Converted++
		res.Examples = append(res.Examples, exs...)
	}
	res.finish(opts)
	return res, nil
}

type turn struct {
	role    string
	content string
}

const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
	roleOther     = "other"
)

func canonicalRole(r string) string {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "system":
		return roleSystem
	case "user", "human":
		return roleUser
	case "assistant", "gpt", "chatgpt", "bing", "bard", "bot", "model":
		return roleAssistant
	default:
		return roleOther
	}
}

// decodeTurns reads an array of {roleKey, contentKey} objects.
func decodeTurns(raw json.RawMessage, roleKey, contentKey string) ([]turn, error) {
	var elems []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("turns are not an array of objects: %w", err)
	}
	turns := make([]turn, 0, len(elems))
	for i, e := range elems {
		var role string
		if err := json.Unmarshal(e[roleKey], &role); err != nil {
			return nil, fmt.Errorf("turn %d: %s is not a string", i, roleKey)
		}
		content, err := decodeText(e[contentKey])
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", i, err)
		}
		turns = append(turns, turn{role: canonicalRole(role), content: content})
	}
	return turns, nil
}

// decodeText accepts a JSON string, null, or an array of content parts
// ({"type":"text","text":...}) whose text parts are joined by newlines.
func decodeText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("invalid string: %w", err)
		}
		return s, nil
	case '[':
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &parts); err != nil {
			return "", fmt.Errorf("invalid content parts: %w", err)
		}
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n"), nil
	default:
		return "", fmt.Errorf("expected text, got %s", truncate(string(raw), 32))
	}
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

// pairTurns emits an example for each user turn immediately followed by an
// assistant turn. System turns are folded into the input of the next user
// turn instead of producing examples of their own.
func pairTurns(turns []turn, policy PairPolicy) ([]Example, int, error) {
	type candidate struct {
		input, output string
		empty         bool
	}
	var (
		cands  []candidate
		system string
	)
	for i, t := range turns {
		switch t.role {
		case roleSystem:
			if blank(t.content) {
				continue
			}
			if system != "" {
				system += "\n\n"
			}
			system += t.content
		case roleUser:
			prefix := system
			system = ""
			if i+1 >= len(turns) || turns[i+1].role != roleAssistant {
				continue
			}
			output := turns[i+1].content
			c := candidate{input: t.content, output: output, empty: blank(t.content) || blank(output)}
			if prefix != "" {
				c.input = prefix + "\n\n" + t.content
			}
			cands = append(cands, c)
		}
	}
	if len(cands) == 0 {
		return nil, 0, errNoPairs
	}
	if policy == PairsLast {
		cands = cands[len(cands)-1:]
	}

	var (
		out   []Example
		empty int
	)
	for _, c := range cands {
		if c.empty {
			empty++
			continue
		}
		out = append(out, NewPair(c.input, c.output))
	}
	return out, empty, nil
}

func normalizeChatML(obj map[string]json.RawMessage, opts Options) ([]Example, int, error) {
	raw, ok := obj["messages"]
	if !ok {
		return nil, 0, errors.New("missing messages")
	}
	turns, err := decodeTurns(raw, "role", "content")
	if err != nil {
		return nil, 0, err
	}
	return pairTurns(turns, opts.PairPolicy)
}

func normalizeShareGPT(obj map[string]json.RawMessage, opts Options) ([]Example, int, error) {
	raw, ok := obj["conversations"]
	if !ok {
		return nil, 0, errors.New("missing conversations")
	}
	roleKey, contentKey := "from", "value"
	if isMessageArray(raw, "role", "content") {
		roleKey, contentKey = "role", "content"
	}
	turns, err := decodeTurns(raw, roleKey, contentKey)
	if err != nil {
		return nil, 0, err
	}
	return pairTurns(turns, opts.PairPolicy)
}

var (
	inputKeys  = []string{"prompt", "input", "question"}
	outputKeys = []string{"completion", "response", "output", "answer"}
	promptKeys = []string{"prompt", "question", "instruction", "input"}
)

var rlhfPreferenceKeys = [][2]string{
	{"chosen_response", "rejected_response"},
	{"preferred", "dispreferred"},
	{"response_chosen", "response_rejected"},
}

var dpoPreferenceKeys = append([][2]string{{"chosen", "rejected"}}, rlhfPreferenceKeys...)

func preferenceKeys(obj map[string]json.RawMessage, candidates [][2]string) ([2]string, bool) {
	for _, kv := range candidates {
		if has(obj, kv[0], kv[1]) {
			return kv, true
		}
	}
	return [2]string{}, false
}

// preferenceSide reads a chosen or rejected value. Plain text is the
// completion itself; a message array contributes its final assistant turn
// as the completion and the turns before it as an implied prompt.
func preferenceSide(raw json.RawMessage) (prompt, completion string, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' && isMessageArray(raw, "role", "content") {
		turns, err := decodeTurns(raw, "role", "content")
		if err != nil {
			return "", "", err
		}
		last := len(turns) - 1
		for last >= 0 && turns[last].role != roleAssistant {
			last--
		}
		if last < 0 {
			return "", "", errors.New("conversation has no assistant turn")
		}
		parts := make([]string, 0, last)
		for _, t := range turns[:last] {
			if !blank(t.content) {
				parts = append(parts, t.content)
			}
		}
		return strings.Join(parts, "\n\n"), turns[last].content, nil
	}
	completion, err = decodeText(raw)
	return "", completion, err
}

func normalizePreference(obj map[string]json.RawMessage, _ Options) ([]Example, int, error) {
	keys, ok := preferenceKeys(obj, dpoPreferenceKeys)
	if !ok {
		return nil, 0, errors.New("missing chosen/rejected fields")
	}
	impliedPrompt, chosen, err := preferenceSide(obj[keys[0]])
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", keys[0], err)
	}
	_, rejected, err := preferenceSide(obj[keys[1]])
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", keys[1], err)
	}

	prompt := impliedPrompt
	if k := firstKey(obj, promptKeys...); k != "" {
		p, err := decodePrompt(obj[k])
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", k, err)
		}
		if !blank(p) {
			prompt = p
		}
	}

	if blank(chosen) || blank(rejected) {
		return nil, 1, nil
	}
	return []Example{NewPreference(prompt, chosen, rejected)}, 0, nil
}

// decodePrompt reads a prompt given as text or as a message array.
func decodePrompt(raw json.RawMessage) (string, error) {
	if isMessageArray(raw, "role", "content") {
		turns, err := decodeTurns(raw, "role", "content")
		if err != nil {
			return "", err
		}
		parts := make([]string, 0, len(turns))
		for _, t := range turns {
			if !blank(t.content) {
				parts = append(parts, t.content)
			}
		}
		return strings.Join(parts, "\n\n"), nil
	}
	return decodeText(raw)
}

func normalizeGenericPair(obj map[string]json.RawMessage, _ Options) ([]Example, int, error) {
	outKey := firstKey(obj, outputKeys...)
	if outKey == "" {
		return nil, 0, errors.New("missing output field (completion, response, output or answer)")
	}
	output, err := decodeText(obj[outKey])
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", outKey, err)
	}

	var input string
	if _, ok := obj["instruction"]; ok {
		instruction, err := decodeText(obj["instruction"])
		if err != nil {
			return nil, 0, fmt.Errorf("instruction: %w", err)
		}
		input = instruction
		if raw, ok := obj["input"]; ok {
			extra, err := decodeText(raw)
			if err != nil {
				return nil, 0, fmt.Errorf("input: %w", err)
			}
			if !blank(extra) {
				input = instruction + "\n\n" + extra
			}
		}
	} else {
		inKey := firstKey(obj, inputKeys...)
		if inKey == "" {
			return nil, 0, errors.New("missing input field (prompt, input or question)")
		}
		if input, err = decodeText(obj[inKey]); err != nil {
			return nil, 0, fmt.Errorf("%s: %w", inKey, err)
		}
	}

	if blank(input) || blank(output) {
		return nil, 1, nil
	}
	return []Example{NewPair(input, output)}, 0, nil
}

var blankLines = regexp.MustCompile(`\n[ \t]*\n`)

// normalizeRawText splits text into independent blocks. An explicit
// delimiter wins when present; otherwise blocks are separated by blank
// lines.
func normalizeRawText(data []byte, opts Options) *NormalizationResult {
	text := strings.ReplaceAll(string(trimBOM(data)), "\r\n", "\n")

	var blocks []string
	if opts.RawTextDelimiter != "" && strings.Contains(text, opts.RawTextDelimiter) {
		blocks = strings.Split(text, opts.RawTextDelimiter)
	} else {
		blocks = blankLines.Split(text, -1)
	}

	res := &NormalizationResult{DetectedFormat: FormatRawText}
	for _, b := range blocks {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		res.Converted++
		res.Examples = append(res.Examples, NewText(b))
	}
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
