package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breezedb/breeze-go/document"
)

func apply(t *testing.T, base, update document.Document) document.Document {
	t.Helper()
	out, err := ApplyUpdate(base, update, UpdateContext{NowMS: 1700000000000})
	require.NoError(t, err)
	return out
}

func TestApplySet(t *testing.T) {
	base := doc(map[string]any{"a": 1})
	out := apply(t, base, doc(map[string]any{"$set": map[string]any{"a": 2, "b.c": "x"}}))

	v, _ := out.Get("a")
	assert.Equal(t, int64(2), v.Int)
	v, ok := out.GetPath("b.c")
	require.True(t, ok)
	assert.Equal(t, "x", v.Str)

	// The base document is untouched.
	v, _ = base.Get("a")
	assert.Equal(t, int64(1), v.Int)
}

func TestApplyIncIsNotIdempotent(t *testing.T) {
	base := doc(map[string]any{"n": 10})
	inc := doc(map[string]any{"$inc": map[string]any{"n": 5}})

	once := apply(t, base, inc)
	twice := apply(t, once, inc)

	v, _ := once.Get("n")
	assert.Equal(t, float64(15), mustFloat(t, v))
	v, _ = twice.Get("n")
	assert.Equal(t, float64(20), mustFloat(t, v))
}

func mustFloat(t *testing.T, v document.Value) float64 {
	t.Helper()
	f, ok := v.AsFloat()
	require.True(t, ok)
	return f
}

func TestApplyIncOnAbsentField(t *testing.T) {
	out := apply(t, nil, doc(map[string]any{"$inc": map[string]any{"n": 3}}))
	v, ok := out.Get("n")
	require.True(t, ok)
	assert.Equal(t, float64(3), mustFloat(t, v))
}

func TestApplyUnset(t *testing.T) {
	base := doc(map[string]any{"a": 1, "b": 2})
	out := apply(t, base, doc(map[string]any{"$unset": map[string]any{"a": ""}}))
	assert.False(t, out.Has("a"))
	assert.True(t, out.Has("b"))
}

func TestApplyMinMax(t *testing.T) {
	base := doc(map[string]any{"low": 5, "high": 5})
	out := apply(t, base, doc(map[string]any{
		"$min": map[string]any{"low": 3},
		"$max": map[string]any{"high": 9},
	}))
	v, _ := out.Get("low")
	assert.Equal(t, float64(3), mustFloat(t, v))
	v, _ = out.Get("high")
	assert.Equal(t, float64(9), mustFloat(t, v))

	// Values already past the bound are kept.
	out = apply(t, out, doc(map[string]any{"$min": map[string]any{"low": 100}}))
	v, _ = out.Get("low")
	assert.Equal(t, float64(3), mustFloat(t, v))
}

func TestApplyRename(t *testing.T) {
	base := doc(map[string]any{"old": "v"})
	out := apply(t, base, doc(map[string]any{"$rename": map[string]any{"old": "new"}}))
	assert.False(t, out.Has("old"))
	v, ok := out.Get("new")
	require.True(t, ok)
	assert.Equal(t, "v", v.Str)
}

func TestApplyPushAndPop(t *testing.T) {
	base := doc(map[string]any{"arr": []any{1}})
	out := apply(t, base, doc(map[string]any{"$push": map[string]any{"arr": 2}}))
	v, _ := out.Get("arr")
	require.Len(t, v.Arr, 2)

	out = apply(t, out, doc(map[string]any{"$push": map[string]any{
		"arr": map[string]any{"$each": []any{3, 4}},
	}}))
	v, _ = out.Get("arr")
	require.Len(t, v.Arr, 4)

	out = apply(t, out, doc(map[string]any{"$pop": map[string]any{"arr": 1}}))
	v, _ = out.Get("arr")
	require.Len(t, v.Arr, 3)
	assert.Equal(t, float64(3), mustFloat(t, v.Arr[len(v.Arr)-1]))

	out = apply(t, out, doc(map[string]any{"$pop": map[string]any{"arr": -1}}))
	v, _ = out.Get("arr")
	require.Len(t, v.Arr, 2)
	assert.Equal(t, float64(2), mustFloat(t, v.Arr[0]))
}

func TestApplyAddToSet(t *testing.T) {
	base := doc(map[string]any{"tags": []any{"a"}})
	out := apply(t, base, doc(map[string]any{"$addToSet": map[string]any{"tags": "a"}}))
	v, _ := out.Get("tags")
	assert.Len(t, v.Arr, 1)

	out = apply(t, out, doc(map[string]any{"$addToSet": map[string]any{"tags": "b"}}))
	v, _ = out.Get("tags")
	assert.Len(t, v.Arr, 2)
}

func TestApplyPull(t *testing.T) {
	base := doc(map[string]any{"n": []any{1, 2, 3, 2}})
	out := apply(t, base, doc(map[string]any{"$pull": map[string]any{"n": 2}}))
	v, _ := out.Get("n")
	require.Len(t, v.Arr, 2)

	out = apply(t, base, doc(map[string]any{"$pull": map[string]any{
		"n": map[string]any{"$gt": 1},
	}}))
	v, _ = out.Get("n")
	require.Len(t, v.Arr, 1)
}

func TestApplySetOnInsert(t *testing.T) {
	update := doc(map[string]any{"$setOnInsert": map[string]any{"created": true}})

	out, err := ApplyUpdate(nil, update, UpdateContext{IsNew: true})
	require.NoError(t, err)
	assert.True(t, out.Has("created"))

	out, err = ApplyUpdate(doc(map[string]any{"a": 1}), update, UpdateContext{IsNew: false})
	require.NoError(t, err)
	assert.False(t, out.Has("created"))
}

func TestApplyRejectsUnknownOperator(t *testing.T) {
	_, err := ApplyUpdate(nil, doc(map[string]any{"$frobnicate": map[string]any{"a": 1}}), UpdateContext{})
	assert.Error(t, err)
}

func TestMergeDocuments(t *testing.T) {
	base := doc(map[string]any{"a": 1, "b": 2})
	out := MergeDocuments(base, doc(map[string]any{"b": 9, "c": 3}), 0)

	v, _ := out.Get("a")
	assert.Equal(t, int64(1), v.Int)
	v, _ = out.Get("b")
	assert.Equal(t, int64(9), v.Int)
	v, _ = out.Get("c")
	assert.Equal(t, int64(3), v.Int)
}

func TestPushModifiersRequireEach(t *testing.T) {
	base := doc(map[string]any{"tags": []any{"a"}})

	for _, mod := range []string{"$position", "$sort", "$slice"} {
		update := doc(map[string]any{"$push": map[string]any{"tags": map[string]any{mod: 1}}})
		_, err := ApplyUpdate(base, update, UpdateContext{})
		require.Error(t, err, mod)
		assert.Contains(t, err.Error(), "$each")
	}

	// A plain document element still pushes as a literal.
	out := apply(t, base, doc(map[string]any{"$push": map[string]any{"tags": map[string]any{"k": 1}}}))
	v, ok := out.Get("tags")
	require.True(t, ok)
	assert.Len(t, v.Arr, 2)
}
