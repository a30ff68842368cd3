package pointcloud

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-9

func TestToCartesian_HorizontalPlane(t *testing.T) {
	t.Parallel()
	tc := DefaultTransformConfig()

	for _, d := range []float64{0.5, 1, 1234, 12000} {
		for theta := 0.0; theta < 360; theta += 17.5 {
			x, y, z := tc.ToCartesian(d, theta, Float64(90))
			assert.InDelta(t, 0, z, 1e-9*d, "z at d=%g theta=%g", d, theta)
			assert.InDelta(t, d*d, x*x+y*y, 1e-9*d*d, "radius at d=%g theta=%g", d, theta)
		}
	}
}

func TestToCartesian_ZeroDistance(t *testing.T) {
	t.Parallel()
	configs := []TransformConfig{
		DefaultTransformConfig(),
		{Convention: ConventionFloorRelative, FloorAngle: 60},
		{Convention: ConventionStandard, AzimuthOffset: 45, Scale: 0.001},
	}
	for _, tc := range configs {
		for _, a2 := range []*float64{nil, Float64(0), Float64(33), Float64(180)} {
			x, y, z := tc.ToCartesian(0, 271, a2)
			assert.Zero(t, math.Abs(x))
			assert.Zero(t, math.Abs(y))
			assert.Zero(t, math.Abs(z))
		}
	}
}

func TestToCartesian_FloorRelativeMatchesStandard(t *testing.T) {
	t.Parallel()
	floor := TransformConfig{Convention: ConventionFloorRelative, FloorAngle: 60}
	std := DefaultTransformConfig()

	for _, theta := range []float64{0, 45, 90, 200, 359} {
		fx, fy, fz := floor.ToCartesian(100, theta, Float64(60))
		sx, sy, sz := std.ToCartesian(100, theta, Float64(90))
		assert.InDelta(t, sx, fx, eps)
		assert.InDelta(t, sy, fy, eps)
		assert.InDelta(t, sz, fz, eps)
	}

	// 30 raw is halfway to the floor, so 45° from vertical.
	_, _, z := floor.ToCartesian(100, 0, Float64(30))
	assert.InDelta(t, 100*math.Cos(math.Pi/4), z, eps)
}

func TestToCartesian_Planar(t *testing.T) {
	t.Parallel()
	tc := DefaultTransformConfig()

	x, y, z := tc.ToCartesian(10, 90, nil)
	assert.InDelta(t, 0, x, eps)
	assert.InDelta(t, 10, y, eps)
	assert.Equal(t, 0.0, z)
}

func TestToCartesian_OffsetAndScale(t *testing.T) {
	t.Parallel()
	tc := TransformConfig{Convention: ConventionStandard, AzimuthOffset: 90, Scale: 0.001}

	x, y, _ := tc.ToCartesian(1000, 0, nil)
	assert.InDelta(t, 0, x, eps)
	assert.InDelta(t, 1, y, eps)
}

func TestSphericalToCartesian_Vertical(t *testing.T) {
	t.Parallel()
	x, y, z := SphericalToCartesian(5, 123, 0)
	assert.InDelta(t, 0, x, eps)
	assert.InDelta(t, 0, y, eps)
	assert.InDelta(t, 5, z, eps)

	_, _, z = SphericalToCartesian(5, 0, 180)
	assert.InDelta(t, -5, z, eps)
}

func TestTransformConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     TransformConfig
		wantErr bool
	}{
		{"default", DefaultTransformConfig(), false},
		{"empty convention", TransformConfig{}, false},
		{"floor ok", TransformConfig{Convention: ConventionFloorRelative, FloorAngle: 60}, false},
		{"floor missing angle", TransformConfig{Convention: ConventionFloorRelative}, true},
		{"floor negative angle", TransformConfig{Convention: ConventionFloorRelative, FloorAngle: -1}, true},
		{"unknown convention", TransformConfig{Convention: "cylindrical"}, true},
		{"negative scale", TransformConfig{Scale: -2}, true},
		{"nan offset", TransformConfig{AzimuthOffset: math.NaN()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyAll_RejectsWholeBatch(t *testing.T) {
	t.Parallel()
	tc := DefaultTransformConfig()
	samples := []RawSample{
		{Distance: 1, Angle1: 0, Intensity: 10},
		{Distance: -1, Angle1: 0, Intensity: 10},
	}
	pts, err := tc.ApplyAll(samples, KeyConfig{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSample))
	assert.Nil(t, pts)

	pts, err = tc.ApplyAll(samples[:1], KeyConfig{})
	require.NoError(t, err)
	require.Len(t, pts, 1)
	require.NotNil(t, pts[0].Key)
	assert.Equal(t, int64(0), *pts[0].Key)
}

func TestSampleKey(t *testing.T) {
	t.Parallel()
	k := KeyConfig{}

	assert.Equal(t, k.SampleKey(RawSample{Angle1: 12.34}), k.SampleKey(RawSample{Angle1: 12.31}))
	assert.NotEqual(t, k.SampleKey(RawSample{Angle1: 12.3}), k.SampleKey(RawSample{Angle1: 12.4}))
	assert.Equal(t, k.SampleKey(RawSample{Angle1: 0}), k.SampleKey(RawSample{Angle1: 359.97}), "wraps at 360")
	assert.Equal(t, k.SampleKey(RawSample{Angle1: 10}), k.SampleKey(RawSample{Angle1: -350}))

	flat := k.SampleKey(RawSample{Angle1: 10})
	tilted := k.SampleKey(RawSample{Angle1: 10, Angle2: Float64(45)})
	assert.NotEqual(t, flat, tilted)
	assert.NotEqual(t, tilted, k.SampleKey(RawSample{Angle1: 10, Angle2: Float64(46)}))

	beam := int64(7)
	assert.Equal(t, BeamKey(7), k.SampleKey(RawSample{Angle1: 10, Beam: &beam}))

	coarse := KeyConfig{Resolution: 10}
	assert.Equal(t, coarse.SampleKey(RawSample{Angle1: 11}), coarse.SampleKey(RawSample{Angle1: 14}))
}

func TestPointKey_MatchesSampleKey(t *testing.T) {
	t.Parallel()
	tc := DefaultTransformConfig()
	k := KeyConfig{}

	s := RawSample{Distance: 100, Angle1: 33.3, Angle2: Float64(70)}
	p, err := tc.Apply(s, k)
	require.NoError(t, err)

	bare := p
	bare.Key = nil
	assert.Equal(t, *p.Key, k.PointKey(bare))
}

func TestKeyConfig_Validate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, KeyConfig{}.Validate())
	assert.NoError(t, KeyConfig{Resolution: 1}.Validate())
	assert.Error(t, KeyConfig{Resolution: -1}.Validate())
	assert.Error(t, KeyConfig{Resolution: 720}.Validate())
	assert.Error(t, KeyConfig{Resolution: 1e-8}.Validate())
	assert.NoError(t, KeyConfig{Resolution: MinKeyResolution}.Validate())
}

func TestSampleKey_RangesAreDisjoint(t *testing.T) {
	t.Parallel()
	k := KeyConfig{}
	beam := int64(5)

	beamKey := k.SampleKey(RawSample{Angle1: 90, Beam: &beam})
	assert.Less(t, beamKey, int64(0))
	assert.NotEqual(t, k.SampleKey(RawSample{Angle1: 0.5}), beamKey)

	zero := int64(0)
	assert.NotEqual(t, k.SampleKey(RawSample{Angle1: 0}), k.SampleKey(RawSample{Angle1: 0, Beam: &zero}))
}

func TestSampleKey_PlanarRowIsDistinct(t *testing.T) {
	t.Parallel()
	k := KeyConfig{}
	planar := k.SampleKey(RawSample{Angle1: 10})
	for _, polar := range []float64{-0.1, -0.06, 0, 0.04, 90, 179.9, 359.96} {
		assert.NotEqual(t, planar, k.SampleKey(RawSample{Angle1: 10, Angle2: Float64(polar)}), "polar %g", polar)
	}
}

func TestSampleKey_FineResolutionStaysInRange(t *testing.T) {
	t.Parallel()
	k := KeyConfig{Resolution: MinKeyResolution}
	key := k.SampleKey(RawSample{Angle1: 359.99, Angle2: Float64(359.99)})
	assert.Greater(t, key, int64(0))
	assert.NotEqual(t, key, k.SampleKey(RawSample{Angle1: 359.98, Angle2: Float64(359.99)}))
}

func TestPointKey_PolarDerivedForFlatPoints(t *testing.T) {
	t.Parallel()
	k := KeyConfig{}
	flat := k.PointKey(Point{X: 1, Y: 1})
	assert.Equal(t, flat, k.PointKey(Point{X: 1, Y: 1, Z: 6e-17}))
	assert.Equal(t, flat, k.SampleKey(RawSample{Angle1: 45, Angle2: Float64(90)}))
	assert.NotEqual(t, flat, k.SampleKey(RawSample{Angle1: 45}))
	assert.NotPanics(t, func() { k.PointKey(Point{}) })
}
