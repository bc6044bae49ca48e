package dataset

import "encoding/json"

// DetectSampleSize is how many records the detector inspects.
const DetectSampleSize = 32

// Detection is the detector's guess for a file.
type Detection struct {
	// Format is the canonical format, or "" when the records are JSON
	// objects that match no known signature.
	Format Format `json:"format"`
	// Label is the concrete variant seen, e.g. "sharegpt_v2" for
	// ShareGPT conversations written with role/content keys.
	Label string `json:"label"`
	// Confidence is the share of decodable sampled records that matched.
	Confidence float64 `json:"confidence"`
	Sampled    int     `json:"sampled"`
}

// Mismatch reports whether detection disagrees with the declared format.
// An undetermined detection never counts as a mismatch.
func (d Detection) Mismatch(declared Format) bool {
	return d.Format != "" && d.Format != declared
}

type signature struct {
	format Format
	match  func(obj map[string]json.RawMessage) (label string, ok bool)
}

// signatures in priority order: chat transcripts first, then preference
// pairs, then plain prompt/completion records.
var signatures = []signature{
	{FormatChatML, matchChatML},
	{FormatShareGPT, matchShareGPT},
	{FormatDPO, matchDPO},
	{FormatRLHF, matchRLHF},
	{FormatJSONL, matchGenericPair},
}

// Detect sniffs the leading records of data. Records are sampled, decoded
// as JSON objects and tested against each signature in priority order; the
// first signature matched by a majority of decodable records wins. When no
// record decodes as a JSON object the content is treated as raw text,
// unless most records open like JSON, in which case the format is left
// undetermined.
func Detect(data []byte) Detection {
	recs, err := splitRecords(data, DetectSampleSize)
	if err != nil {
		// A broken array container still looks like JSON; leave the
		// decision to the declared format so the parse error surfaces.
		return Detection{}
	}

	var objs []map[string]json.RawMessage
	jsonLike := 0
	for _, r := range recs {
		if looksLikeJSON(r.data) {
			jsonLike++
		}
		obj, err := decodeObject(r.data)
		if err != nil {
			continue
		}
		objs = append(objs, obj)
	}

	if len(objs) == 0 {
		if jsonLike*2 > len(recs) {
			// Malformed JSON records, not prose: the declared format's
			// handler counts them as skipped.
			return Detection{Sampled: len(recs)}
		}
		return Detection{Format: FormatRawText, Label: string(FormatRawText), Confidence: 1, Sampled: len(recs)}
	}

	type tally struct {
		count int
		label string
	}
	counts := make([]tally, len(signatures))
	for _, obj := range objs {
		for i, sig := range signatures {
			if label, ok := sig.match(obj); ok {
				counts[i].count++
				if counts[i].label == "" {
					counts[i].label = label
				}
				break
			}
		}
	}

	best := -1
	for i, c := range counts {
		if c.count*2 > len(objs) {
			best = i
			break
		}
		if c.count > 0 && (best < 0 || c.count > counts[best].count) {
			best = i
		}
	}
	if best < 0 {
		return Detection{Sampled: len(recs)}
	}

	return Detection{
		Format:     signatures[best].format,
		Label:      counts[best].label,
		Confidence: float64(counts[best].count) / float64(len(objs)),
		Sampled:    len(recs),
	}
}

func looksLikeJSON(rec []byte) bool {
	return len(rec) > 0 && (rec[0] == '{' || rec[0] == '[')
}

func matchChatML(obj map[string]json.RawMessage) (string, bool) {
	if isMessageArray(obj["messages"], "role", "content") {
		return string(FormatChatML), true
	}
	return "", false
}

func matchShareGPT(obj map[string]json.RawMessage) (string, bool) {
	raw, ok := obj["conversations"]
	if !ok {
		return "", false
	}
	if isMessageArray(raw, "from", "value") {
		return string(FormatShareGPT), true
	}
	if isMessageArray(raw, "role", "content") {
		return "sharegpt_v2", true
	}
	return "", false
}

func matchDPO(obj map[string]json.RawMessage) (string, bool) {
	if !has(obj, "chosen", "rejected") {
		return "", false
	}
	if isMessageArray(obj["chosen"], "role", "content") {
		return "dpo_conversational", true
	}
	return string(FormatDPO), true
}

func matchRLHF(obj map[string]json.RawMessage) (string, bool) {
	if _, ok := preferenceKeys(obj, rlhfPreferenceKeys); ok {
		return string(FormatRLHF), true
	}
	return "", false
}

func matchGenericPair(obj map[string]json.RawMessage) (string, bool) {
	if has(obj, "instruction") && firstKey(obj, outputKeys...) != "" {
		return "alpaca", true
	}
	if firstKey(obj, inputKeys...) != "" && firstKey(obj, outputKeys...) != "" {
		return string(FormatJSONL), true
	}
	return "", false
}

func has(obj map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			return false
		}
	}
	return true
}

func firstKey(obj map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return k
		}
	}
	return ""
}

// isMessageArray reports whether raw is a non-empty array whose elements
// are objects carrying both keys.
func isMessageArray(raw json.RawMessage, roleKey, contentKey string) bool {
	if len(raw) == 0 || raw[0] != '[' {
		return false
	}
	var elems []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || len(elems) == 0 {
		return false
	}
	for _, e := range elems {
		if !has(e, roleKey, contentKey) {
			return false
		}
	}
	return true
}
