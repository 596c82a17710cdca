// Package state defines the shared state document synchronized between the
// agent and the client. The document is an opaque JSON-like structure: the
// protocol core never interprets field meanings, it only moves and merges
// them. Shape agreement between the two sides is the integrating
// application's contract, not ours.
package state

import (
	"bytes"
	"encoding/json"
)

// Document is a JSON object mapping field names to JSON-like values
// (objects, arrays, strings, numbers, bools, null).
type Document map[string]any

// Clone returns a deep copy of the document. Values are normalized through a
// JSON round trip, so numbers come back as float64 regardless of how the
// document was built.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		// A Document holds JSON-like values only; marshal cannot fail for
		// well-formed documents. Return an empty copy rather than panic.
		return Document{}
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return Document{}
	}
	return out
}

// Equal reports whether two documents are structurally equal. Both sides are
// compared via canonical JSON (map keys are sorted by encoding/json).
func (d Document) Equal(other Document) bool {
	a, errA := json.Marshal(d)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Merge applies patch onto base field-by-field and returns the result.
// Nested objects are merged recursively (map union); arrays and scalar
// values are wholesale-replaced by the patch. Neither input is mutated.
//
// Wholesale array replacement matches the granularity the agent emits at
// and avoids a list-diff algorithm entirely.
func Merge(base, patch Document) Document {
	out := base.Clone()
	if out == nil {
		out = Document{}
	}
	for k, v := range patch.Clone() {
		existing, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		existingMap, okA := existing.(map[string]any)
		patchMap, okB := v.(map[string]any)
		if okA && okB {
			out[k] = map[string]any(Merge(Document(existingMap), Document(patchMap)))
			continue
		}
		out[k] = v
	}
	return out
}
