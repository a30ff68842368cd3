package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarview/internal/parse"
	"github.com/banshee-data/lidarview/internal/session"
	"github.com/banshee-data/lidarview/internal/timeutil"
)

func TestSimulator_RoomGeometry(t *testing.T) {
	t.Parallel()
	sim := NewSimulator(SimulatorConfig{Width: 4000, Depth: 3000})
	assert.InDelta(t, 2000, sim.rangeAt(0), 1e-6)
	assert.InDelta(t, 1500, sim.rangeAt(90), 1e-6)
	assert.InDelta(t, 2000, sim.rangeAt(180), 1e-6)
	// The corner diagonal of a 4x3 room is 2.5 m from the centre.
	assert.InDelta(t, 2500, sim.rangeAt(36.8699), 1)
}

func TestSimulator_PacketsSweepAndWrap(t *testing.T) {
	t.Parallel()
	sim := NewSimulator(SimulatorConfig{NoiseMM: 5, Seed: 7})

	first := sim.NextPacket()
	assert.EqualValues(t, 0, first.StartAngle)
	assert.EqualValues(t, simPacketSpanCdeg, first.EndAngle)

	encoded := parse.EncodeLD19(first)
	decoded, err := parse.ParseLD19Packet(encoded)
	require.NoError(t, err)
	assert.Equal(t, first, decoded)

	// Keep going past a full turn; every packet stays valid and in range.
	var last parse.LD19Packet
	for i := 0; i < 40; i++ {
		last = sim.NextPacket()
		assert.Less(t, int(last.StartAngle), 36000)
		for _, s := range last.Samples() {
			assert.GreaterOrEqual(t, s.Angle1, 0.0)
			assert.Less(t, s.Angle1, 360.0)
		}
	}
	assert.NotEqual(t, first.StartAngle, last.StartAngle)
}

func TestSimulator_Deterministic(t *testing.T) {
	t.Parallel()
	a := NewSimulator(SimulatorConfig{NoiseMM: 20, Seed: 42})
	b := NewSimulator(SimulatorConfig{NoiseMM: 20, Seed: 42})
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.NextPacket(), b.NextPacket())
	}
}

func TestSimulator_RunFeedsSession(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name   string
		raw    bool
		format parse.Format
	}{
		{"decoded samples", false, parse.FormatJSON},
		{"raw packets", true, parse.FormatLD19},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clock := timeutil.NewMockClock(time.Unix(0, 0))
			sim := NewSimulator(SimulatorConfig{Raw: tc.raw, Packets: 3, Clock: clock})
			s := newSession(t, tc.format)
			require.NoError(t, s.Open(context.Background(), sim))
			waitFor(t, func() bool { return s.State() == session.StateConnected })

			waitFor(t, func() bool {
				clock.Advance(10 * time.Millisecond)
				return s.State() == session.StateDisconnected
			})
			assert.Equal(t, 3*parse.LD19Points, s.Store().Len())
			assert.Empty(t, s.Warnings())
		})
	}
}
