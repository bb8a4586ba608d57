// Package diff computes and applies RFC 6902 structural patches between
// JSON-like trees. It is pure: no I/O, no knowledge of sessions.
package diff

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"
)

// Diff computes a patch transforming old into new. Both inputs must be
// JSON-marshalable. The returned patch is a JSON array of operations.
func Diff(old, new any) (json.RawMessage, error) {
	patch, err := jsondiff.Compare(old, new)
	if err != nil {
		return nil, fmt.Errorf("compare: %w", err)
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	return raw, nil
}

// Apply applies patch to the document. Application is all-or-nothing: if any
// operation's precondition fails (missing path, test mismatch, malformed
// op), the original document is returned unchanged together with the error.
func Apply(doc json.RawMessage, patch json.RawMessage) (json.RawMessage, error) {
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return doc, fmt.Errorf("decode patch: %w", err)
	}
	out, err := decoded.Apply(doc)
	if err != nil {
		return doc, fmt.Errorf("apply patch: %w", err)
	}
	return out, nil
}

// ApplyTo applies patch to a typed document by serializing it, patching the
// JSON form and decoding into a fresh value of the same type. target is not
// mutated on failure.
func ApplyTo[T any](target *T, patch json.RawMessage) (*T, error) {
	doc, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("encode target: %w", err)
	}
	patched, err := Apply(doc, patch)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(patched, out); err != nil {
		return nil, fmt.Errorf("decode patched target: %w", err)
	}
	return out, nil
}
