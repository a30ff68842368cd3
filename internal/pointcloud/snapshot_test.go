package pointcloud

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_RoundTripReplace(t *testing.T) {
	t.Parallel()
	for _, policy := range []Policy{PolicyAppend, PolicyMerge, PolicyReplace} {
		t.Run(string(policy), func(t *testing.T) {
			src, _ := newTestStore(t, policy)
			require.NoError(t, src.Integrate([]Point{
				keyed(1, 2, 3, 40, 10),
				keyed(-1, 0.5, 0, 7, 11),
				keyed(0, 0, 0, 0, 12),
			}))
			want := src.Snapshot()

			data, err := MarshalSnapshot(want)
			require.NoError(t, err)

			points, err := UnmarshalSnapshot(data, DefaultTransformConfig(), KeyConfig{})
			require.NoError(t, err)

			dst, _ := newTestStore(t, policy)
			require.NoError(t, dst.Integrate([]Point{{X: 99}}))
			require.NoError(t, dst.Replace(points))

			if diff := cmp.Diff(want, dst.Snapshot()); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSnapshot_RoundTripAppendIntoEmpty(t *testing.T) {
	t.Parallel()
	want := NewPointSet([]Point{{X: 1, Intensity: 2}, {X: 3, Y: 4, Intensity: 5}})

	data, err := MarshalSnapshot(want)
	require.NoError(t, err)
	points, err := UnmarshalSnapshot(data, DefaultTransformConfig(), KeyConfig{})
	require.NoError(t, err)

	s, _ := newTestStore(t, PolicyAppend)
	require.NoError(t, s.Integrate(points))
	assert.Empty(t, cmp.Diff(want, s.Snapshot()))
}

func TestSnapshot_RawSamples(t *testing.T) {
	t.Parallel()
	data := []byte(`[
		{"distance": 10, "angle1": 90, "intensity": 3},
		{"distance": 10, "angle1": 0, "angle2": 0, "intensity": 4}
	]`)
	points, err := UnmarshalSnapshot(data, DefaultTransformConfig(), KeyConfig{})
	require.NoError(t, err)
	require.Len(t, points, 2)

	assert.InDelta(t, 10, points[0].Y, eps)
	assert.InDelta(t, 10, points[1].Z, eps)
	assert.Equal(t, 4.0, points[1].Intensity)
}

func TestSnapshot_EmptyMarshalsAsArray(t *testing.T) {
	t.Parallel()
	data, err := MarshalSnapshot(NewPointSet(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestSnapshot_Invalid(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"empty":          ``,
		"object":         `{"x": 1, "y": 2, "z": 3}`,
		"garbage":        `[{"x": 1,`,
		"missing fields": `[{"x": 1, "y": 2}]`,
		"negative range": `[{"distance": -5, "angle1": 0}]`,
		"wrong type":     `[{"x": "one", "y": 2, "z": 3}]`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalSnapshot([]byte(in), DefaultTransformConfig(), KeyConfig{})
			assert.ErrorIs(t, err, ErrInvalidSnapshot)
		})
	}
}
