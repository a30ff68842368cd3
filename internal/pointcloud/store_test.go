package pointcloud

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarview/internal/timeutil"
)

func keyed(x, y, z, i float64, key int64) Point {
	return Point{X: x, Y: y, Z: z, Intensity: i}.WithKey(key)
}

func newTestStore(t *testing.T, policy Policy, opts ...StoreOption) (*Store, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(policy, append([]StoreOption{WithClock(clock)}, opts...)...), clock
}

func TestStore_MergeReplacesSameKey(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, PolicyMerge)

	require.NoError(t, s.Integrate([]Point{keyed(1, 0, 0, 10, 42)}))
	require.NoError(t, s.Integrate([]Point{keyed(2, 0, 0, 20, 42)}))

	snap := s.Snapshot()
	require.Equal(t, 1, snap.Len())
	assert.Equal(t, 2.0, snap.Points[0].X)
	assert.Equal(t, 20.0, snap.Points[0].Intensity)
}

func TestStore_MergeKeepsFirstAppearanceOrder(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, PolicyMerge)

	require.NoError(t, s.Integrate([]Point{keyed(1, 0, 0, 0, 1), keyed(2, 0, 0, 0, 2), keyed(3, 0, 0, 0, 3)}))
	require.NoError(t, s.Integrate([]Point{keyed(20, 0, 0, 0, 2), keyed(4, 0, 0, 0, 4)}))

	var xs []float64
	for _, p := range s.Snapshot().Points {
		xs = append(xs, p.X)
	}
	assert.Equal(t, []float64{1, 20, 3, 4}, xs)
}

func TestStore_MergeDerivesMissingKeys(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, PolicyMerge)

	require.NoError(t, s.Integrate([]Point{{X: 1, Y: 1}}))
	require.NoError(t, s.Integrate([]Point{{X: 3, Y: 3}}))
	assert.Equal(t, 1, s.Len(), "same direction shares a key")
}

func TestStore_MergeBeamAndAzimuthKeysNeverCollide(t *testing.T) {
	t.Parallel()
	tc := DefaultTransformConfig()
	k := KeyConfig{}
	s, _ := newTestStore(t, PolicyMerge, WithKeyConfig(k))

	var samples []RawSample
	for i := int64(0); i < 20; i++ {
		beam := i
		samples = append(samples,
			RawSample{Distance: 100, Angle1: float64(i) / 10},
			RawSample{Distance: 100, Angle1: 90, Beam: &beam},
		)
	}
	pts, err := tc.ApplyAll(samples, k)
	require.NoError(t, err)
	require.NoError(t, s.Integrate(pts))
	assert.Equal(t, 40, s.Len())
}

func TestStore_AppendAccumulates(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, PolicyAppend)

	n := []Point{keyed(1, 1, 1, 1, 1), keyed(1, 1, 1, 1, 1), keyed(2, 2, 2, 2, 2)}
	m := []Point{keyed(1, 1, 1, 1, 1), keyed(3, 3, 3, 3, 3)}
	require.NoError(t, s.Integrate(n))
	require.NoError(t, s.Integrate(m))
	assert.Equal(t, len(n)+len(m), s.Len())
}

func TestStore_AppendMaxPoints(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, PolicyAppend, WithMaxPoints(3))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Integrate([]Point{{X: float64(i)}}))
	}
	snap := s.Snapshot()
	require.Equal(t, 3, snap.Len())
	assert.Equal(t, 2.0, snap.Points[0].X)
	assert.Equal(t, 2.0, snap.Bounds.MinX)
	assert.Equal(t, 4.0, snap.Bounds.MaxX)
}

func TestStore_MaxPointsCapsReplace(t *testing.T) {
	t.Parallel()
	four := []Point{{X: 1}, {X: 2}, {X: 3}, {X: 4}}

	s, _ := newTestStore(t, PolicyReplace, WithMaxPoints(2))
	require.NoError(t, s.Integrate(four))
	snap := s.Snapshot()
	require.Equal(t, 2, snap.Len())
	assert.Equal(t, 3.0, snap.Points[0].X)
	assert.Equal(t, 3.0, snap.Bounds.MinX)

	a, _ := newTestStore(t, PolicyAppend, WithMaxPoints(2))
	require.NoError(t, a.Replace(four))
	assert.Equal(t, 2, a.Len())

	m, _ := newTestStore(t, PolicyMerge, WithMaxPoints(2))
	require.NoError(t, m.Replace([]Point{keyed(1, 0, 0, 0, 1), keyed(2, 0, 0, 0, 2), keyed(3, 0, 0, 0, 3)}))
	assert.Equal(t, 3, m.Len(), "merge stores ignore the cap")
}

func TestStore_ReplacePolicy(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, PolicyReplace)

	require.NoError(t, s.Integrate([]Point{{X: 1}, {X: 2}}))
	require.NoError(t, s.Integrate([]Point{{X: 9}}))
	snap := s.Snapshot()
	require.Equal(t, 1, snap.Len())
	assert.Equal(t, 9.0, snap.Points[0].X)

	require.NoError(t, s.Integrate(nil))
	assert.Equal(t, 1, s.Len(), "empty batch must not wipe the set")
}

func TestStore_EmptyIntegrateIsNoop(t *testing.T) {
	t.Parallel()
	s, clock := newTestStore(t, PolicyAppend)

	require.NoError(t, s.Integrate([]Point{{X: 1, Intensity: 5}}))
	first := s.Aggregates().LastUpdate
	assert.Equal(t, clock.Now(), first)

	clock.Advance(time.Minute)
	require.NoError(t, s.Integrate([]Point{}))
	assert.Equal(t, first, s.Aggregates().LastUpdate)
	assert.Equal(t, 1, s.Len())
}

func TestStore_RejectsNonFiniteBatch(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, PolicyAppend)

	require.NoError(t, s.Integrate([]Point{{X: 1}}))
	before := s.Snapshot()

	err := s.Integrate([]Point{{X: 2}, {X: math.NaN()}})
	require.ErrorIs(t, err, ErrInvalidSample)
	assert.Empty(t, cmp.Diff(before, s.Snapshot()))
}

func TestStore_ClearIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, PolicyMerge)
	require.NoError(t, s.Integrate([]Point{keyed(1, 2, 3, 4, 1)}))

	s.Clear()
	once := s.Snapshot()
	onceAgg := s.Aggregates()
	s.Clear()

	assert.Empty(t, cmp.Diff(once, s.Snapshot()))
	assert.Empty(t, cmp.Diff(onceAgg, s.Aggregates()))
	assert.True(t, s.Bounds().Empty)
	assert.Zero(t, s.Aggregates().Count)

	// The merge index is reset with the points.
	require.NoError(t, s.Integrate([]Point{keyed(5, 0, 0, 0, 1)}))
	assert.Equal(t, 1, s.Len())
}

func TestStore_Aggregates(t *testing.T) {
	t.Parallel()
	s, clock := newTestStore(t, PolicyAppend)

	pts := []Point{
		{X: 3, Y: 4, Z: 0, Intensity: 10},
		{X: 0, Y: 0, Z: -1, Intensity: 30},
		{X: -6, Y: 8, Z: 0, Intensity: 20},
	}
	require.NoError(t, s.Integrate(pts))

	agg := s.Aggregates()
	assert.Equal(t, 3, agg.Count)
	assert.InDelta(t, (5.0+1.0+10.0)/3, agg.MeanDistance, eps)
	assert.InDelta(t, 20.0, agg.MeanIntensity, eps)
	assert.Equal(t, clock.Now(), agg.LastUpdate)

	want := Bounds{
		MinX: -6, MaxX: 3,
		MinY: 0, MaxY: 8,
		MinZ: -1, MaxZ: 0,
		MinIntensity: 10, MaxIntensity: 30,
	}
	assert.Equal(t, want, agg.Bounds)
}

func TestStore_SnapshotIsCopy(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, PolicyAppend)
	require.NoError(t, s.Integrate([]Point{{X: 1}}))

	snap := s.Snapshot()
	snap.Points[0].X = 100
	assert.Equal(t, 1.0, s.Snapshot().Points[0].X)
}

func TestStore_ReplaceMethod(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, PolicyAppend)
	require.NoError(t, s.Integrate([]Point{{X: 1}, {X: 2}}))

	require.NoError(t, s.Replace([]Point{{X: 7}}))
	assert.Equal(t, 1, s.Len())

	err := s.Replace([]Point{{X: math.Inf(1)}})
	require.Error(t, err)
	assert.Equal(t, 7.0, s.Snapshot().Points[0].X, "failed replace keeps contents")
}

func TestStore_ConcurrentWritersAndReaders(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, PolicyAppend)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = s.Integrate([]Point{{X: float64(w), Intensity: float64(i)}, {X: float64(w)}})
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				snap := s.Snapshot()
				if snap.Len() > 0 {
					assert.Equal(t, ComputeBounds(snap.Points), snap.Bounds)
				}
				assert.Zero(t, snap.Len()%2, "batches never interleave")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, s.Len())
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Policy{"": PolicyAppend, "append": PolicyAppend, "merge": PolicyMerge, "replace": PolicyReplace} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePolicy("upsert")
	assert.Error(t, err)
}

func TestComputeBounds(t *testing.T) {
	t.Parallel()
	assert.True(t, ComputeBounds(nil).Empty)

	b := ComputeBounds([]Point{{X: 1, Y: 1, Z: 1, Intensity: 1}})
	assert.False(t, b.Empty)
	x, y, z := b.Ranges()
	assert.Equal(t, [3]float64{1, 1, 1}, [3]float64{x, y, z}, "zero-width axes use unit range")
	assert.Equal(t, 1.0, b.IntensityRange())
}
