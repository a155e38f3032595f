package anchor

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedSourceWalksCircle(t *testing.T) {
	clock := NewMockClock(time.Unix(1000, 0))
	src := NewSimulatedSource(clock, 2, 4*time.Second)

	p, err := src.TrackingPose()
	require.NoError(t, err)
	assert.True(t, vectorsEqual(p.Position, r3.Vector{X: 2, Y: 1.5}), "start %v", p.Position)

	clock.Advance(time.Second) // quarter turn
	p, _ = src.TrackingPose()
	assert.InDelta(t, 0.0, p.Position.X, 1e-9)
	assert.InDelta(t, 2.0, p.Position.Z, 1e-9)
	_, ry, _ := EulerYXZFromQuat(p.Orientation)
	assert.InDelta(t, -90.0, ry, 1e-9)

	in, err := src.Intrinsics()
	require.NoError(t, err)
	assert.Equal(t, SimulatedIntrinsics, in)
}

func TestSimulatedSourceEmbeddings(t *testing.T) {
	clock := NewMockClock(time.Unix(1000, 0))
	src := NewSimulatedSource(clock, 1, time.Minute)
	src.FailEvery = 3

	var blobs [][]byte
	for i := 1; i <= 6; i++ {
		sample, err := src.EmbeddingSample()
		if i%3 == 0 {
			assert.True(t, errors.Is(err, ErrSensorUnavailable), "read %d", i)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, clock.Now(), sample.Timestamp)
		assert.Equal(t, uint64(clock.Now().UnixNano()), binary.LittleEndian.Uint64(sample.Blob))
		blobs = append(blobs, sample.Blob)
		clock.Advance(100 * time.Millisecond)
	}
	require.Len(t, blobs, 4)
	assert.NotEqual(t, blobs[0], blobs[1])
}

func TestSimulatedVPS(t *testing.T) {
	world := RigTransform{Rotation: yaw(30), Translation: r3.Vector{X: 100, Z: -50}}
	vps := &SimulatedVPS{World: world, LocationID: "polytech", UnmatchEvery: 2}

	track := NewPose(yaw(10), r3.Vector{X: 1, Y: 1.5}, FrameLocalTracking)
	req := BuildRequest([]byte("x"), SimulatedIntrinsics, []string{"polytech"}, "s", &track, time.Unix(0, 0))

	res := vps.RequestFix(context.Background(), req)
	require.Equal(t, FixMatched, res.Kind)
	assert.Equal(t, "polytech", res.LocationID)
	assert.True(t, res.GlobalPose.ApproxEqual(world.Apply(track), 1e-9))

	assert.Equal(t, FixUnmatched, vps.RequestFix(context.Background(), req).Kind)
	assert.Equal(t, 2, vps.requests)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = vps.RequestFix(ctx, req)
	assert.Equal(t, FixTransportFailure, res.Kind)
	assert.True(t, errors.Is(res.Err, ErrNetworkFailure))
}

func TestSimulatedLoopConvergesToWorld(t *testing.T) {
	clock := NewMockClock(time.Unix(1000, 0))
	world := RigTransform{Rotation: QuatFromEulerYXZ(0, -75, 0), Translation: r3.Vector{X: 166.5, Y: 3.6, Z: 44.2}}

	src := NewSimulatedSource(clock, 3, 20*time.Second)
	vps := &SimulatedVPS{World: world, LocationID: "polytech"}
	l := NewLocalizer(src, vps, nil, WithClock(clock))
	require.NoError(t, l.SetLocations("polytech"))
	l.Start()

	for i := 0; i < 5; i++ {
		report := l.Step(context.Background())
		require.Equal(t, StatusFreshFix, report.Status)
		assert.True(t, l.State().Rig().Pose().ApproxEqual(world.Pose(), 1e-6), "iteration %d rig %+v", i, l.State().Rig())
		clock.Advance(DefaultLoopInterval)
	}

	// the corrected trail lies on the world-placed circle
	for _, p := range l.State().Trail() {
		local := world.Pose().Inverse().Apply(p)
		assert.InDelta(t, 3.0, math.Hypot(local.X, local.Z), 1e-6)
	}
}
