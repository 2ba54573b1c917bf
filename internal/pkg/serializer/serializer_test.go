package serializer

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
	Tags      []string       `json:"tags"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func TestRoundTripPreservesTimestamp(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	s := sample{Name: "gpu-1", CreatedAt: now, Tags: []string{"a", "b"}}

	encoded, err := Serialize(s)
	require.NoError(t, err)

	var decoded sample
	require.NoError(t, DeserializeInto(encoded, &decoded))

	assert.Equal(t, "gpu-1", decoded.Name)
	assert.True(t, now.Equal(decoded.CreatedAt))
	assert.Equal(t, []string{"a", "b"}, decoded.Tags)
}

func TestDeserializeGenericUnwrapsTimestamp(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	s := sample{Name: "gpu-2", CreatedAt: now}

	encoded, err := Serialize(s)
	require.NoError(t, err)

	generic, err := Deserialize(encoded)
	require.NoError(t, err)

	m, ok := generic.(map[string]any)
	require.True(t, ok)
	ts, ok := m["createdAt"].(time.Time)
	require.True(t, ok, "expected createdAt to decode as time.Time, got %T", m["createdAt"])
	assert.True(t, now.Equal(ts))
}

func TestNilVsAbsent(t *testing.T) {
	s := sample{Name: "gpu-3"}
	encoded, err := Serialize(s)
	require.NoError(t, err)

	generic, err := Deserialize(encoded)
	require.NoError(t, err)
	m := generic.(map[string]any)

	_, present := m["updatedAt"]
	assert.False(t, present, "omitempty field should be absent, not null")
}

func TestRejectsNaN(t *testing.T) {
	_, err := Serialize(map[string]any{"x": math.NaN()})
	assert.Error(t, err)
}
