package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseError reports a record that could not be decoded. Fatal errors mean
// the file as a whole could not be read (for example a truncated JSON
// array); non-fatal ones cover a single line.
type ParseError struct {
	Record int
	Fatal  bool
	Err    error
}

func (e *ParseError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("parse dataset: %v", e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Record, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type rawRecord struct {
	index int // 1-based line number, or array position for array containers
	data  []byte
}

func trimBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, utf8BOM)
}

func isArrayContainer(data []byte) bool {
	trimmed := bytes.TrimLeft(trimBOM(data), " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// splitRecords returns the JSON records of data. A top-level array is
// decoded element by element; anything else is treated as one record per
// non-blank line. limit caps the number of records returned (0 = all).
func splitRecords(data []byte, limit int) ([]rawRecord, error) {
	data = trimBOM(data)
	if isArrayContainer(data) {
		var elems []json.RawMessage
		if err := json.Unmarshal(data, &elems); err != nil {
			return nil, &ParseError{Fatal: true, Err: fmt.Errorf("decode JSON array: %w", err)}
		}
		if limit > 0 && len(elems) > limit {
			elems = elems[:limit]
		}
		recs := make([]rawRecord, 0, len(elems))
		for i, e := range elems {
			recs = append(recs, rawRecord{index: i + 1, data: e})
		}
		return recs, nil
	}

	var recs []rawRecord
	line := 0
	for len(data) > 0 {
		line++
		var cur []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			cur, data = data[:i], data[i+1:]
		} else {
			cur, data = data, nil
		}
		cur = bytes.TrimSpace(cur)
		if len(cur) == 0 {
			continue
		}
		recs = append(recs, rawRecord{index: line, data: cur})
		if limit > 0 && len(recs) >= limit {
			break
		}
	}
	return recs, nil
}

// decodeObject decodes a record as a JSON object keyed by field name.
func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("not a JSON object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return obj, nil
}
