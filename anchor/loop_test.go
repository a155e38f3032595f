package anchor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRequester struct {
	mock.Mock
}

func (m *mockRequester) RequestFix(ctx context.Context, req *Request) FixResult {
	args := m.Called(ctx, req)
	return args.Get(0).(FixResult)
}

type panicRequester struct{}

func (panicRequester) RequestFix(context.Context, *Request) FixResult {
	panic("decoder exploded")
}

// stubSource serves fixed readings and counts embedding reads
type stubSource struct {
	mu            sync.Mutex
	pose          Pose
	poseErr       error
	intrinsics    Intrinsics
	intrinsicsErr error
	sampleErr     error
	sampleReads   int
}

func newStubSource(pose Pose) *stubSource {
	return &stubSource{pose: pose, intrinsics: SimulatedIntrinsics}
}

func (s *stubSource) TrackingPose() (Pose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poseErr != nil {
		return Pose{}, s.poseErr
	}
	return s.pose, nil
}

func (s *stubSource) Intrinsics() (Intrinsics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intrinsics, s.intrinsicsErr
}

func (s *stubSource) EmbeddingSample() (EmbeddingSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleReads++
	if s.sampleErr != nil {
		return EmbeddingSample{}, s.sampleErr
	}
	return EmbeddingSample{Blob: []byte("blob"), Pose: s.pose}, nil
}

func (s *stubSource) setPose(p Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pose = p
}

func sequentialIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("session-%d", n)
	}
}

var (
	testTrack    = NewPose(yaw(20), r3.Vector{X: 0.5, Y: 1.4, Z: -1}, FrameLocalTracking)
	testGlobal   = NewPose(yaw(110), r3.Vector{X: 12, Y: 1.5, Z: 30}, FrameGlobalVPS)
	testFallback = ReferenceFixes[DefaultReferenceFix].VpsPose.Pose(FrameGlobalVPS)
)

func newTestLocalizer(t *testing.T, source SensorSource, vps FixRequester, opts ...LoopOption) *Localizer {
	base := []LoopOption{
		WithClock(NewMockClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))),
		WithSessionIDs(sequentialIDs()),
		WithLoopLogger(golog.NewTestLogger(t)),
	}
	return NewLocalizer(source, vps, NewAnchorState(), append(base, opts...)...)
}

func TestLocalizerStatusSequence(t *testing.T) {
	vps := &mockRequester{}
	vps.On("RequestFix", mock.Anything, mock.Anything).Return(Matched(testGlobal)).Once()
	vps.On("RequestFix", mock.Anything, mock.Anything).Return(Unmatched()).Once()
	vps.On("RequestFix", mock.Anything, mock.Anything).Return(TransportFailure(errors.Wrap(ErrNetworkFailure, "connection refused"))).Once()
	vps.On("RequestFix", mock.Anything, mock.Anything).Return(Matched(testGlobal)).Once()

	logger, logs := golog.NewObservedTestLogger(t)
	source := newStubSource(testTrack)
	l := newTestLocalizer(t, source, vps, WithLoopLogger(logger))
	require.NoError(t, l.SetLocations("polytech"))
	l.Start()

	want := []struct {
		status   Status
		outcome  FixKind
		updated  bool
		fallback bool
	}{
		{StatusFreshFix, FixMatched, true, false},
		{StatusNoMatch, FixUnmatched, false, false},
		{StatusTransportError, FixTransportFailure, true, true},
		{StatusFreshFix, FixMatched, true, false},
	}

	ctx := context.Background()
	var rigs []RigTransform
	for i, w := range want {
		report := l.Step(ctx)
		assert.Equal(t, w.status, report.Status, "iteration %d", i)
		assert.Equal(t, w.outcome, report.Outcome, "iteration %d", i)
		assert.Equal(t, w.updated, report.RigUpdated, "iteration %d", i)
		assert.Equal(t, w.fallback, report.Fallback, "iteration %d", i)
		assert.False(t, report.Discarded)
		assert.Equal(t, w.status, l.State().Status())
		rigs = append(rigs, l.State().Rig())
	}

	// matched: the rig reproduces the fix for the unmoved camera
	assert.True(t, rigs[0].Apply(testTrack).ApproxEqual(testGlobal, 1e-9))
	// unmatched leaves the rig alone
	assert.Equal(t, rigs[0], rigs[1])
	// transport failure anchors to the fallback pose
	assert.True(t, rigs[2].Apply(testTrack).ApproxEqual(testFallback, 1e-9))
	// and a later match recovers
	assert.True(t, rigs[3].Apply(testTrack).ApproxEqual(testGlobal, 1e-9))

	assert.Len(t, l.State().Fixes(), 2)
	assert.Equal(t, uint64(4), l.State().Snapshot().Iterations)
	assert.Equal(t, 1, logs.FilterMessageSnippet("vps request failed").Len())
	vps.AssertExpectations(t)
}

func TestLocalizerRequestContents(t *testing.T) {
	vps := &mockRequester{}
	vps.On("RequestFix", mock.Anything, mock.MatchedBy(func(req *Request) bool {
		return req.Attributes.SessionID == "session-1" &&
			len(req.Attributes.LocationIDs) == 2 &&
			req.Attributes.LocationIDs[1] == "annex" &&
			string(req.Embedding) == "blob" &&
			req.Attributes.Intrinsics == SimulatedIntrinsics.Normalize() &&
			req.Attributes.ClientCoordinateSystem == CoordinateSystemARCore
	})).Return(Unmatched())

	l := newTestLocalizer(t, newStubSource(testTrack), vps)
	require.NoError(t, l.SetLocations("polytech", "annex"))
	assert.Equal(t, "session-1", l.Start())

	report := l.Step(context.Background())
	assert.Equal(t, StatusNoMatch, report.Status)
	assert.True(t, errors.Is(report.Err, ErrNoMatch))
	vps.AssertExpectations(t)
}

func TestLocalizerIdleSkips(t *testing.T) {
	vps := &mockRequester{}
	l := newTestLocalizer(t, newStubSource(testTrack), vps)

	report := l.Step(context.Background())
	assert.True(t, report.Skipped)
	assert.Equal(t, StatusPending, report.Status)
	assert.Equal(t, StatusPending, l.State().Status())
	vps.AssertNotCalled(t, "RequestFix", mock.Anything, mock.Anything)
}

func TestLocalizerStopDiscardsInFlight(t *testing.T) {
	vps := &mockRequester{}
	l := newTestLocalizer(t, newStubSource(testTrack), vps)

	var notified int
	l.OnIteration(func(IterationReport) { notified++ })

	vps.On("RequestFix", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { l.Stop() }).
		Return(Matched(testGlobal))

	l.Start()
	report := l.Step(context.Background())

	assert.True(t, report.Discarded)
	assert.False(t, report.RigUpdated)
	assert.Equal(t, IdentityRig(), l.State().Rig())
	assert.Equal(t, StatusPending, l.State().Status())
	assert.Empty(t, l.State().Fixes())
	assert.Equal(t, 0, notified)
}

func TestLocalizerRestartDiscardsStaleSession(t *testing.T) {
	vps := &mockRequester{}
	l := newTestLocalizer(t, newStubSource(testTrack), vps)

	// stop and start again while the first session's request is in flight
	vps.On("RequestFix", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			l.Stop()
			l.Start()
		}).
		Return(Matched(testGlobal)).Once()

	assert.Equal(t, "session-1", l.Start())
	report := l.Step(context.Background())

	assert.True(t, report.Discarded)
	assert.Equal(t, "session-1", report.SessionID)
	assert.Equal(t, "session-2", l.SessionID())
	assert.Equal(t, IdentityRig(), l.State().Rig())
}

func TestLocalizerSessionIDs(t *testing.T) {
	l := newTestLocalizer(t, newStubSource(testTrack), &mockRequester{})
	assert.Equal(t, "", l.SessionID())

	first := l.Start()
	assert.Equal(t, "session-1", first)
	assert.Equal(t, first, l.Start(), "starting a running loop keeps its session")

	l.Stop()
	assert.False(t, l.Running())
	assert.Equal(t, first, l.SessionID())

	assert.Equal(t, "session-2", l.Start())

	assert.False(t, l.Toggle())
	assert.True(t, l.Toggle())
	assert.Equal(t, "session-3", l.SessionID())
}

func TestLocalizerDefaultSessionIDsAreUnique(t *testing.T) {
	l := NewLocalizer(newStubSource(testTrack), &mockRequester{}, nil)
	a := l.Start()
	l.Stop()
	b := l.Start()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestLocalizerSetLocations(t *testing.T) {
	l := newTestLocalizer(t, newStubSource(testTrack), &mockRequester{})

	assert.Error(t, l.SetLocations())
	assert.Error(t, l.SetLocations("polytech", ""))
	assert.Empty(t, l.Locations())

	ids := []string{"a", "b"}
	require.NoError(t, l.SetLocations(ids...))
	ids[0] = "changed"
	assert.Equal(t, []string{"a", "b"}, l.Locations())
}

func TestLocalizerAcquireFailureFallsBack(t *testing.T) {
	vps := &mockRequester{}
	source := newStubSource(testTrack)
	source.sampleErr = errors.Wrap(ErrSensorUnavailable, "camera busy")

	cfg := DefaultLoopConfig()
	cfg.AcquireRetries = 3
	l := newTestLocalizer(t, source, vps, WithLoopConfig(cfg))
	l.Start()

	report := l.Step(context.Background())
	assert.True(t, report.Fallback)
	assert.Equal(t, StatusTransportError, report.Status)
	assert.True(t, errors.Is(report.Err, ErrSensorUnavailable))
	assert.Equal(t, 3, source.sampleReads)
	assert.True(t, l.State().Rig().Apply(testTrack).ApproxEqual(testFallback, 1e-9))
	vps.AssertNotCalled(t, "RequestFix", mock.Anything, mock.Anything)
}

func TestLocalizerAcquireBackoff(t *testing.T) {
	source := newStubSource(testTrack)
	source.intrinsics = Intrinsics{}
	clock := NewMockClock(time.Unix(0, 0))

	cfg := DefaultLoopConfig()
	cfg.AcquireRetries = 3
	cfg.AcquireBackoff = 10 * time.Millisecond
	l := NewLocalizer(source, &mockRequester{}, nil, WithClock(clock), WithLoopConfig(cfg))
	l.Start()

	report := l.Step(context.Background())
	assert.True(t, report.Fallback)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, clock.Sleeps())
	assert.Equal(t, 20*time.Millisecond, report.Duration)
}

func TestLocalizerFallbackWithoutTrackingPose(t *testing.T) {
	vps := &mockRequester{}
	vps.On("RequestFix", mock.Anything, mock.Anything).Return(TransportFailure(nil))

	source := newStubSource(testTrack)
	source.poseErr = errors.Wrap(ErrSensorUnavailable, "tracking lost")
	l := newTestLocalizer(t, source, vps)
	l.Start()

	report := l.Step(context.Background())
	assert.True(t, report.Fallback)
	// no live pose and no earlier camera: the fallback pose is taken as-is
	assert.True(t, l.State().Rig().Pose().ApproxEqual(testFallback, 1e-9))
}

func TestLocalizerCameraMovedDuringRequest(t *testing.T) {
	source := newStubSource(testTrack)
	moved := NewPose(yaw(35), r3.Vector{X: 1.5, Y: 1.4, Z: -2}, FrameLocalTracking)

	vps := &mockRequester{}
	vps.On("RequestFix", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { source.setPose(moved) }).
		Return(Matched(testGlobal))

	l := newTestLocalizer(t, source, vps)
	l.Start()
	l.Step(context.Background())

	delta := testGlobal.Compose(testTrack.Inverse())
	assert.True(t, CorrectedCamera(l.State().Rig(), moved).ApproxEqual(delta.Compose(moved), 1e-9))
	assert.Equal(t, moved, l.State().LastCamera())
}

func TestLocalizerRecoversFromPanic(t *testing.T) {
	l := newTestLocalizer(t, newStubSource(testTrack), panicRequester{})
	l.Start()

	var reports []IterationReport
	l.OnIteration(func(r IterationReport) { reports = append(reports, r) })

	report := l.Step(context.Background())
	assert.True(t, report.Fallback)
	assert.Equal(t, StatusTransportError, report.Status)
	assert.True(t, errors.Is(report.Err, ErrNetworkFailure))
	require.Len(t, reports, 1)
	assert.True(t, l.Running(), "a panic does not stop the loop")
}

// panicSource panics on every tracking pose read
type panicSource struct {
	*stubSource
}

func (panicSource) TrackingPose() (Pose, error) {
	panic("tracking pose decoder exploded")
}

func TestLocalizerRecoversFromSourcePanic(t *testing.T) {
	vps := &mockRequester{}
	vps.On("RequestFix", mock.Anything, mock.Anything).Return(Matched(testGlobal))

	l := newTestLocalizer(t, panicSource{newStubSource(testTrack)}, vps)
	l.Start()

	var report IterationReport
	require.NotPanics(t, func() { report = l.Step(context.Background()) })
	assert.True(t, report.Fallback)
	assert.Equal(t, StatusTransportError, report.Status)
	assert.Equal(t, StatusTransportError, l.State().Status())
	assert.True(t, errors.Is(report.Err, ErrNetworkFailure))
	// no camera was ever committed, so the fallback pose is taken as-is
	assert.True(t, l.State().Rig().Pose().ApproxEqual(testFallback, 1e-9))
	assert.True(t, l.Running())
}

func TestLocalizerStartResetsRig(t *testing.T) {
	vps := &mockRequester{}
	vps.On("RequestFix", mock.Anything, mock.Anything).Return(Matched(testGlobal))

	l := newTestLocalizer(t, newStubSource(testTrack), vps)
	l.Start()
	l.Step(context.Background())
	require.Equal(t, StatusFreshFix, l.State().Status())
	require.NotEqual(t, IdentityRig(), l.State().Rig())

	l.Start()
	assert.Equal(t, StatusFreshFix, l.State().Status(), "starting a running loop changes nothing")

	l.Stop()
	l.Start()
	assert.Equal(t, IdentityRig(), l.State().Rig())
	assert.Equal(t, StatusPending, l.State().Status())
	assert.Len(t, l.State().Fixes(), 1, "fix history survives a restart")
}

func TestLocalizerObservers(t *testing.T) {
	vps := &mockRequester{}
	vps.On("RequestFix", mock.Anything, mock.Anything).Return(Matched(testGlobal))

	l := newTestLocalizer(t, newStubSource(testTrack), vps)
	var got []IterationReport
	l.OnIteration(func(r IterationReport) { got = append(got, r) })

	l.Step(context.Background()) // idle, not reported
	l.Start()
	l.Step(context.Background())

	require.Len(t, got, 1)
	assert.Equal(t, "session-1", got[0].SessionID)
	assert.Equal(t, StatusFreshFix, got[0].Snapshot.Status)
	assert.Equal(t, uint64(1), got[0].Snapshot.Iterations)
}

func TestLocalizerRun(t *testing.T) {
	vps := &mockRequester{}
	vps.On("RequestFix", mock.Anything, mock.Anything).Return(Unmatched())

	clock := NewMockClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sleeps int
	clock.OnSleep(func(time.Duration) {
		sleeps++
		if sleeps == 3 {
			cancel()
		}
	})

	l := NewLocalizer(newStubSource(testTrack), vps, nil, WithClock(clock))
	l.Start()

	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{DefaultLoopInterval, DefaultLoopInterval, DefaultLoopInterval}, clock.Sleeps())
	vps.AssertNumberOfCalls(t, "RequestFix", 3)
	assert.Equal(t, uint64(3), l.State().Snapshot().Iterations)
}

func TestLocalizerRunIdle(t *testing.T) {
	vps := &mockRequester{}
	clock := NewMockClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock.OnSleep(func(time.Duration) { cancel() })

	l := NewLocalizer(newStubSource(testTrack), vps, nil, WithClock(clock))
	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
	vps.AssertNotCalled(t, "RequestFix", mock.Anything, mock.Anything)
}
