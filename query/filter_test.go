package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breezedb/breeze-go/document"
)

func doc(m map[string]any) document.Document {
	return document.MustFromMap(m)
}

func TestMatchesEquality(t *testing.T) {
	d := doc(map[string]any{
		"name": "alice",
		"age":  30,
		"tags": []any{"admin", "staff"},
	})

	tests := []struct {
		name   string
		filter document.Document
		want   bool
	}{
		{"empty filter matches all", nil, true},
		{"direct equality", doc(map[string]any{"name": "alice"}), true},
		{"direct mismatch", doc(map[string]any{"name": "bob"}), false},
		{"numeric kind crossing", doc(map[string]any{"age": 30.0}), true},
		{"array membership", doc(map[string]any{"tags": "admin"}), true},
		{"array non-member", doc(map[string]any{"tags": "guest"}), false},
		{"absent field", doc(map[string]any{"missing": "x"}), false},
		{"two fields conjoined", doc(map[string]any{"name": "alice", "age": 30}), true},
		{"one of two fails", doc(map[string]any{"name": "alice", "age": 31}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Matches(d, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchesOperators(t *testing.T) {
	d := doc(map[string]any{
		"n":    10,
		"s":    "hello world",
		"tags": []any{"a", "b"},
	})

	tests := []struct {
		name   string
		filter document.Document
		want   bool
	}{
		{"$eq", doc(map[string]any{"n": map[string]any{"$eq": 10}}), true},
		{"$ne", doc(map[string]any{"n": map[string]any{"$ne": 10}}), false},
		{"$gt true", doc(map[string]any{"n": map[string]any{"$gt": 5}}), true},
		{"$gt false", doc(map[string]any{"n": map[string]any{"$gt": 10}}), false},
		{"$gte boundary", doc(map[string]any{"n": map[string]any{"$gte": 10}}), true},
		{"$lt", doc(map[string]any{"n": map[string]any{"$lt": 11}}), true},
		{"$lte", doc(map[string]any{"n": map[string]any{"$lte": 9}}), false},
		{"$in hit", doc(map[string]any{"n": map[string]any{"$in": []any{9, 10}}}), true},
		{"$in miss", doc(map[string]any{"n": map[string]any{"$in": []any{1, 2}}}), false},
		{"$nin", doc(map[string]any{"n": map[string]any{"$nin": []any{1, 2}}}), true},
		{"$exists true", doc(map[string]any{"n": map[string]any{"$exists": true}}), true},
		{"$exists on absent", doc(map[string]any{"zzz": map[string]any{"$exists": true}}), false},
		{"$exists false on absent", doc(map[string]any{"zzz": map[string]any{"$exists": false}}), true},
		{"$regex", doc(map[string]any{"s": map[string]any{"$regex": "^hello"}}), true},
		{"$regex miss", doc(map[string]any{"s": map[string]any{"$regex": "^world"}}), false},
		{"$size hit", doc(map[string]any{"tags": map[string]any{"$size": 2}}), true},
		{"$size miss", doc(map[string]any{"tags": map[string]any{"$size": 3}}), false},
		{"$all hit", doc(map[string]any{"tags": map[string]any{"$all": []any{"a", "b"}}}), true},
		{"$all miss", doc(map[string]any{"tags": map[string]any{"$all": []any{"a", "c"}}}), false},
		{"$gt incomparable kinds", doc(map[string]any{"s": map[string]any{"$gt": 5}}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Matches(d, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchesLogical(t *testing.T) {
	d := doc(map[string]any{"a": 1, "b": 2})

	and := doc(map[string]any{"$and": []any{
		map[string]any{"a": 1},
		map[string]any{"b": 2},
	}})
	got, err := Matches(d, and)
	require.NoError(t, err)
	assert.True(t, got)

	or := doc(map[string]any{"$or": []any{
		map[string]any{"a": 99},
		map[string]any{"b": 2},
	}})
	got, err = Matches(d, or)
	require.NoError(t, err)
	assert.True(t, got)

	nor := doc(map[string]any{"$nor": []any{
		map[string]any{"a": 99},
		map[string]any{"b": 99},
	}})
	got, err = Matches(d, nor)
	require.NoError(t, err)
	assert.True(t, got)

	not := doc(map[string]any{"a": map[string]any{"$not": map[string]any{"$gt": 5}}})
	got, err = Matches(d, not)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestMatchesDottedPaths(t *testing.T) {
	d := doc(map[string]any{
		"user": map[string]any{
			"address": map[string]any{"city": "oslo"},
		},
	})

	got, err := Matches(d, doc(map[string]any{"user.address.city": "oslo"}))
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Matches(d, doc(map[string]any{"user.address.city": "bergen"}))
	require.NoError(t, err)
	assert.False(t, got)
}

func TestMatchesRejectsUnknownOperator(t *testing.T) {
	_, err := Matches(
		doc(map[string]any{"a": 1}),
		doc(map[string]any{"a": map[string]any{"$bogus": 1}}),
	)
	assert.Error(t, err)
}
