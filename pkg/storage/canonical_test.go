package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	got, err := Canonicalize(map[string]any{
		"zebra":  1,
		"apple":  2,
		"middle": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"apple":2,"middle":3,"zebra":1}`, string(got))
}

func TestCanonicalizeNestedStructures(t *testing.T) {
	type inner struct {
		Name  string   `json:"name"`
		Tags  []string `json:"tags"`
		Count int      `json:"count"`
	}
	type outer struct {
		Items map[string]inner `json:"items"`
		OK    bool             `json:"ok"`
	}

	v := outer{
		Items: map[string]inner{
			"b": {Name: "second", Tags: []string{"y", "x"}, Count: 2},
			"a": {Name: "first", Tags: nil, Count: 1},
		},
		OK: true,
	}

	got, err := Canonicalize(v)
	require.NoError(t, err)
	assert.Equal(t,
		`{"items":{"a":{"count":1,"name":"first","tags":null},"b":{"count":2,"name":"second","tags":["y","x"]}},"ok":true}`,
		string(got))
}

func TestCanonicalizeDeterministic(t *testing.T) {
	v := map[string]any{
		"tasks":    map[string]any{"t1": 1, "t2": 2, "t3": 3, "t4": 4, "t5": 5},
		"metrics":  map[string]any{"completed": 10, "failed": 2, "cancelled": 0},
		"sessions": []any{"s1", "s2"},
	}

	first, err := Canonicalize(v)
	require.NoError(t, err)

	// Map iteration order is randomized per run; canonical output must not be.
	for i := 0; i < 50; i++ {
		again, err := Canonicalize(v)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again), "Canonical bytes must be stable across encodings")
	}
}

func TestCanonicalizePreservesLargeIntegers(t *testing.T) {
	// 2^53+1 is not representable as float64; a naive round-trip would
	// corrupt it.
	v := map[string]int64{"durationNs": 9007199254740993}

	got, err := Canonicalize(v)
	require.NoError(t, err)
	assert.Equal(t, `{"durationNs":9007199254740993}`, string(got))
}

func TestCanonicalizeTimestamps(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	got, err := Canonicalize(map[string]time.Time{"createdAt": ts})
	require.NoError(t, err)
	assert.Equal(t, `{"createdAt":"2026-03-14T09:26:53Z"}`, string(got))
}

func TestHashProperties(t *testing.T) {
	a := map[string]any{"id": "task-1", "priority": 800}
	b := map[string]any{"priority": 800, "id": "task-1"}
	c := map[string]any{"id": "task-1", "priority": 801}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	hc, err := Hash(c)
	require.NoError(t, err)

	assert.Len(t, ha, 64, "SHA-256 hex should be 64 characters")
	assert.Equal(t, ha, hb, "Key order must not affect the hash")
	assert.NotEqual(t, ha, hc, "Different values must hash differently")
}

func TestHashBytesMatchesHash(t *testing.T) {
	v := map[string]any{"x": 1}

	data, err := Canonicalize(v)
	require.NoError(t, err)

	direct, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, direct, HashBytes(data))
}
