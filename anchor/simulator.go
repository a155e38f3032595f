package anchor

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// SimulatedIntrinsics are reported by SimulatedSource, in portrait order
var SimulatedIntrinsics = Intrinsics{
	Fx: 1450.5, Fy: 1450.5,
	Cx: 360, Cy: 640,
	Width: 720, Height: 1280,
}

// SimulatedSource is a deterministic SensorSource that walks the camera on a
// circle in the X/Z plane while yawing to face along the path.
type SimulatedSource struct {
	clock    Clock
	start    time.Time
	radius   float64
	period   time.Duration
	height   float64
	blobSize int

	// FailEvery makes every Nth embedding read fail; zero disables failures.
	FailEvery int

	mu    sync.Mutex
	reads int
}

// NewSimulatedSource creates a simulator that completes one circle of the
// given radius (meters) every period.
func NewSimulatedSource(clock Clock, radius float64, period time.Duration) *SimulatedSource {
	if clock == nil {
		clock = RealClock{}
	}
	if period <= 0 {
		period = time.Minute
	}
	return &SimulatedSource{
		clock:    clock,
		start:    clock.Now(),
		radius:   radius,
		period:   period,
		height:   1.5,
		blobSize: 256,
	}
}

func (s *SimulatedSource) poseAt(t time.Time) Pose {
	phase := 2 * math.Pi * t.Sub(s.start).Seconds() / s.period.Seconds()
	pos := r3.Vector{
		X: s.radius * math.Cos(phase),
		Y: s.height,
		Z: s.radius * math.Sin(phase),
	}
	// face along the tangent of the circle
	yaw := -phase
	orientation := quat.Number{Real: math.Cos(yaw / 2), Jmag: math.Sin(yaw / 2)}
	return NewPose(orientation, pos, FrameLocalTracking)
}

// TrackingPose implements SensorSource
func (s *SimulatedSource) TrackingPose() (Pose, error) {
	return s.poseAt(s.clock.Now()), nil
}

// Intrinsics implements SensorSource
func (s *SimulatedSource) Intrinsics() (Intrinsics, error) {
	return SimulatedIntrinsics, nil
}

// EmbeddingSample implements SensorSource. The blob encodes the capture time
// so consecutive samples differ.
func (s *SimulatedSource) EmbeddingSample() (EmbeddingSample, error) {
	s.mu.Lock()
	s.reads++
	reads := s.reads
	s.mu.Unlock()

	if s.FailEvery > 0 && reads%s.FailEvery == 0 {
		return EmbeddingSample{}, errors.Wrapf(ErrSensorUnavailable, "simulated dropout on read %d", reads)
	}

	now := s.clock.Now()
	blob := make([]byte, s.blobSize)
	binary.LittleEndian.PutUint64(blob, uint64(now.UnixNano()))
	return EmbeddingSample{Blob: blob, Pose: s.poseAt(now), Timestamp: now}, nil
}

// SimulatedVPS answers localization requests offline. It treats World as the
// true placement of the tracking frame in the venue and reports the request's
// tracking pose mapped through it.
type SimulatedVPS struct {
	World      RigTransform
	LocationID string
	// UnmatchEvery makes every Nth request come back without a match; zero disables.
	UnmatchEvery int

	mu       sync.Mutex
	requests int
}

// RequestFix implements FixRequester
func (v *SimulatedVPS) RequestFix(ctx context.Context, req *Request) FixResult {
	if err := ctx.Err(); err != nil {
		return TransportFailure(errors.Wrap(ErrNetworkFailure, err.Error()))
	}
	v.mu.Lock()
	v.requests++
	n := v.requests
	v.mu.Unlock()

	if v.UnmatchEvery > 0 && n%v.UnmatchEvery == 0 {
		return Unmatched()
	}

	track := req.Attributes.TrackingPose.Pose(FrameLocalTracking)
	res := Matched(v.World.Apply(track))
	res.LocationID = v.LocationID
	res.TrackingPose = &track
	return res
}
