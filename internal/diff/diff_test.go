package diff

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type doc struct {
	Name   string            `json:"name"`
	Count  int               `json:"count"`
	Labels map[string]string `json:"labels"`
	Items  []string          `json:"items"`
}

func TestDiffApply_RoundTrip(t *testing.T) {
	old := doc{
		Name:   "old",
		Count:  1,
		Labels: map[string]string{"a": "1"},
		Items:  []string{"x", "y"},
	}
	next := doc{
		Name:   "new",
		Count:  2,
		Labels: map[string]string{"a": "1", "b": "2"},
		Items:  []string{"x", "y", "z"},
	}

	patch, err := Diff(old, next)
	require.NoError(t, err)

	oldRaw, err := json.Marshal(old)
	require.NoError(t, err)
	got, err := Apply(oldRaw, patch)
	require.NoError(t, err)

	var decoded doc
	require.NoError(t, json.Unmarshal(got, &decoded))
	require.Equal(t, next, decoded)
}

func TestDiff_IdenticalDocumentsYieldEmptyPatch(t *testing.T) {
	d := doc{Name: "same", Count: 3}
	patch, err := Diff(d, d)
	require.NoError(t, err)

	var ops []any
	require.NoError(t, json.Unmarshal(patch, &ops))
	require.Empty(t, ops)
}

func TestApply_MalformedPatchLeavesDocumentUnchanged(t *testing.T) {
	orig := json.RawMessage(`{"name":"doc"}`)

	got, err := Apply(orig, json.RawMessage(`{"not":"a patch"}`))
	require.Error(t, err)
	require.JSONEq(t, string(orig), string(got))
}

func TestApply_FailedOperationLeavesDocumentUnchanged(t *testing.T) {
	orig := json.RawMessage(`{"name":"doc"}`)

	// Removing an absent path must fail without partial application.
	patch := json.RawMessage(`[{"op":"remove","path":"/missing"}]`)
	got, err := Apply(orig, patch)
	require.Error(t, err)
	require.JSONEq(t, string(orig), string(got))
}

func TestApplyTo_DoesNotMutateTargetOnFailure(t *testing.T) {
	target := doc{Name: "orig", Count: 5}

	patch := json.RawMessage(`[{"op":"replace","path":"/name","value":"changed"},{"op":"remove","path":"/nope"}]`)
	out, err := ApplyTo(&target, patch)
	require.Error(t, err)
	require.Nil(t, out)
	require.Equal(t, "orig", target.Name)
	require.Equal(t, 5, target.Count)
}

func TestApplyTo_ProducesFreshValue(t *testing.T) {
	target := doc{Name: "orig", Count: 5}

	patch := json.RawMessage(`[{"op":"replace","path":"/count","value":6}]`)
	out, err := ApplyTo(&target, patch)
	require.NoError(t, err)
	require.Equal(t, 6, out.Count)
	require.Equal(t, 5, target.Count)
}
