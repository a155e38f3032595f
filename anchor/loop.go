package anchor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// DefaultLoopInterval is the pause between localization attempts.
	DefaultLoopInterval = 500 * time.Millisecond
	// DefaultAcquireRetries bounds how often sensor acquisition is retried per iteration.
	DefaultAcquireRetries = 10
)

// FixRequester performs one localization exchange. *Client implements it.
type FixRequester interface {
	RequestFix(ctx context.Context, req *Request) FixResult
}

// LoopConfig tunes the localization loop
type LoopConfig struct {
	Interval       time.Duration
	AcquireRetries int
	AcquireBackoff time.Duration
	// Fallback is the global pose the rig is anchored to when the service is unreachable.
	Fallback Pose
}

// DefaultLoopConfig anchors fallbacks to the default reference fix
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Interval:       DefaultLoopInterval,
		AcquireRetries: DefaultAcquireRetries,
		Fallback:       ReferenceFixes[DefaultReferenceFix].VpsPose.Pose(FrameGlobalVPS),
	}
}

// IterationReport describes what one iteration did
type IterationReport struct {
	SessionID  string
	Outcome    FixKind
	Status     Status
	RigUpdated bool
	Fallback   bool
	// Skipped is set when the loop was idle and nothing ran.
	Skipped bool
	// Discarded is set when the session ended while the iteration was in flight.
	Discarded bool
	Err       error
	Snapshot  Snapshot
	Duration  time.Duration
}

// LoopOption configures a Localizer
type LoopOption func(*Localizer)

// WithClock replaces the real clock (useful for testing).
func WithClock(c Clock) LoopOption {
	return func(l *Localizer) {
		l.clock = c
	}
}

// WithLoopLogger sets the loop's logger.
func WithLoopLogger(logger golog.Logger) LoopOption {
	return func(l *Localizer) {
		l.logger = logger
	}
}

// WithLoopConfig replaces the default loop tuning.
func WithLoopConfig(cfg LoopConfig) LoopOption {
	return func(l *Localizer) {
		l.cfg = cfg
	}
}

// WithSessionIDs overrides session id generation (useful for testing).
func WithSessionIDs(next func() string) LoopOption {
	return func(l *Localizer) {
		l.newSessionID = next
	}
}

// Localizer runs the periodic localization loop. It is Idle until Start and
// returns to Idle on Stop. Only the goroutine running Run (or calling Step)
// writes to the AnchorState.
type Localizer struct {
	source       SensorSource
	vps          FixRequester
	state        *AnchorState
	clock        Clock
	logger       golog.Logger
	cfg          LoopConfig
	newSessionID func() string

	mu          sync.Mutex
	running     bool
	sessionID   string
	generation  uint64
	locationIDs []string
	observers   []func(IterationReport)
}

// NewLocalizer wires a loop to its sensor source, VPS client and shared state
func NewLocalizer(source SensorSource, vps FixRequester, state *AnchorState, opts ...LoopOption) *Localizer {
	l := &Localizer{
		source:       source,
		vps:          vps,
		state:        state,
		clock:        RealClock{},
		cfg:          DefaultLoopConfig(),
		newSessionID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = golog.Global()
	}
	if l.cfg.Interval <= 0 {
		l.cfg.Interval = DefaultLoopInterval
	}
	if l.cfg.AcquireRetries <= 0 {
		l.cfg.AcquireRetries = DefaultAcquireRetries
	}
	if l.state == nil {
		l.state = NewAnchorState()
	}
	return l
}

// State returns the shared anchor state the loop writes
func (l *Localizer) State() *AnchorState {
	return l.state
}

// OnIteration registers an observer called after every committed iteration
func (l *Localizer) OnIteration(fn func(IterationReport)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Start moves the loop to Running. A fresh session id is allocated on every
// Idle to Running transition, and the rig and status return to identity and
// pending. Starting a running loop keeps its session.
func (l *Localizer) Start() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return l.sessionID
	}
	l.running = true
	l.generation++
	l.sessionID = l.newSessionID()
	l.state.Reset()
	l.logger.Infof("localization started, session %s, locations %v", l.sessionID, l.locationIDs)
	return l.sessionID
}

// Stop moves the loop to Idle. An iteration already in flight completes but
// its result is discarded.
func (l *Localizer) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	l.generation++
	l.logger.Infof("localization stopped, session %s", l.sessionID)
}

// Toggle starts an idle loop or stops a running one and reports whether it is now running
func (l *Localizer) Toggle() bool {
	if l.Running() {
		l.Stop()
		return false
	}
	l.Start()
	return true
}

// SetLocations selects the venues sent with subsequent requests
func (l *Localizer) SetLocations(ids ...string) error {
	if len(ids) == 0 {
		return errors.New("at least one location id is required")
	}
	for i, id := range ids {
		if id == "" {
			return errors.Errorf("location id %d is empty", i)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locationIDs = append([]string(nil), ids...)
	l.logger.Infof("locations set to %v", l.locationIDs)
	return nil
}

// Running reports whether the loop is in the Running state
func (l *Localizer) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// SessionID returns the current (or last) session id; empty before the first Start
func (l *Localizer) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// Locations returns a copy of the selected location ids
func (l *Localizer) Locations() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.locationIDs...)
}

// Run executes iterations until ctx is done, sleeping the configured interval
// after each one. While Idle it only sleeps. Run returns ctx.Err().
func (l *Localizer) Run(ctx context.Context) error {
	l.logger.Debugf("localization loop running, interval %s", l.cfg.Interval)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.Running() {
			l.Step(ctx)
		}
		if err := l.clock.Sleep(ctx, l.cfg.Interval); err != nil {
			return err
		}
	}
}

type iterationSession struct {
	id          string
	generation  uint64
	locationIDs []string
}

func (l *Localizer) currentSession() (iterationSession, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return iterationSession{
		id:          l.sessionID,
		generation:  l.generation,
		locationIDs: append([]string(nil), l.locationIDs...),
	}, l.running
}

// Step runs a single iteration: acquire sensor data, request a fix, fuse or
// fall back, then commit rig and status together.
func (l *Localizer) Step(ctx context.Context) (report IterationReport) {
	start := l.clock.Now()
	session, running := l.currentSession()
	if !running {
		return IterationReport{Skipped: true, Status: l.state.Status()}
	}
	report.SessionID = session.id

	defer func() {
		if r := recover(); r != nil {
			err := errors.Wrapf(ErrNetworkFailure, "iteration panicked: %v", r)
			l.logger.Errorw("localization iteration panicked", "session", session.id, "panic", fmt.Sprint(r))
			// the source may be what panicked, so do not read it again
			report = l.fallbackAt(session, err, l.state.LastCamera())
		}
		report.Duration = l.clock.Now().Sub(start)
		if !report.Discarded && !report.Skipped {
			l.notify(report)
		}
	}()

	sample, intrinsics, err := l.acquire(ctx)
	if err != nil {
		l.logger.Warnf("sensor acquisition failed: %v", err)
		return l.fallback(session, err)
	}

	req := BuildRequest(sample.Blob, intrinsics.Normalize(), session.locationIDs, session.id, &sample.Pose, l.clock.Now())
	res := l.vps.RequestFix(ctx, req)

	switch res.Kind {
	case FixMatched:
		cam := l.cameraNow(sample.Pose)
		rig := Fuse(sample.Pose, res.GlobalPose, cam)
		fix := &FixRecord{
			SessionID:    session.id,
			LocationID:   res.LocationID,
			TrackingPose: sample.Pose,
			GlobalPose:   res.GlobalPose,
			Rig:          rig,
			Location:     res.Location,
			Timestamp:    l.clock.Now(),
		}
		report.Outcome = FixMatched
		report.Status = StatusFreshFix
		report.RigUpdated = true
		l.commit(session, &report, Update{Rig: &rig, Status: StatusFreshFix, Camera: &cam, Fix: fix, At: l.clock.Now()})
		if !report.Discarded {
			l.logger.Infof("fix matched at %s: position (%.2f, %.2f, %.2f)",
				res.LocationID, res.GlobalPose.Position.X, res.GlobalPose.Position.Y, res.GlobalPose.Position.Z)
		}
		return report

	case FixUnmatched:
		report.Outcome = FixUnmatched
		report.Status = StatusNoMatch
		report.Err = ErrNoMatch
		cam := l.cameraNow(sample.Pose)
		l.commit(session, &report, Update{Status: StatusNoMatch, Camera: &cam, At: l.clock.Now()})
		l.logger.Debugf("no match for session %s", session.id)
		return report

	default:
		l.logger.Warnf("vps request failed: %v", res.Err)
		return l.fallback(session, res.Err)
	}
}

// fallback anchors the rig to the configured reference pose and reports a transport error
func (l *Localizer) fallback(session iterationSession, cause error) IterationReport {
	cam, err := l.source.TrackingPose()
	if err != nil {
		cam = l.state.LastCamera()
	}
	return l.fallbackAt(session, cause, cam)
}

func (l *Localizer) fallbackAt(session iterationSession, cause error, cam Pose) IterationReport {
	report := IterationReport{
		SessionID:  session.id,
		Outcome:    FixTransportFailure,
		Status:     StatusTransportError,
		RigUpdated: true,
		Fallback:   true,
		Err:        cause,
	}
	rig := Fuse(cam, l.cfg.Fallback, cam)
	l.commit(session, &report, Update{Rig: &rig, Status: StatusTransportError, Camera: &cam, At: l.clock.Now()})
	return report
}

// commit writes u unless the session that produced it has ended
func (l *Localizer) commit(session iterationSession, report *IterationReport, u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running || l.generation != session.generation {
		report.Discarded = true
		report.RigUpdated = false
		l.logger.Debugf("discarding result of ended session %s", session.id)
		return
	}
	report.Snapshot = l.state.Commit(u)
}

func (l *Localizer) notify(report IterationReport) {
	l.mu.Lock()
	observers := make([]func(IterationReport), len(l.observers))
	copy(observers, l.observers)
	l.mu.Unlock()
	for _, fn := range observers {
		fn(report)
	}
}

// cameraNow reads the live camera pose, falling back to the capture pose
func (l *Localizer) cameraNow(captured Pose) Pose {
	cam, err := l.source.TrackingPose()
	if err != nil {
		l.logger.Debugf("tracking pose unavailable, using capture pose: %v", err)
		return captured
	}
	return cam
}

// acquire reads an embedding sample and intrinsics, retrying up to AcquireRetries times
func (l *Localizer) acquire(ctx context.Context) (EmbeddingSample, Intrinsics, error) {
	var lastErr error
	for attempt := 0; attempt < l.cfg.AcquireRetries; attempt++ {
		if attempt > 0 && l.cfg.AcquireBackoff > 0 {
			if err := l.clock.Sleep(ctx, l.cfg.AcquireBackoff); err != nil {
				return EmbeddingSample{}, Intrinsics{}, errors.Wrap(ErrSensorUnavailable, err.Error())
			}
		}
		sample, err := l.source.EmbeddingSample()
		if err != nil {
			lastErr = err
			continue
		}
		intrinsics, err := l.source.Intrinsics()
		if err != nil {
			lastErr = err
			continue
		}
		if err := intrinsics.Validate(); err != nil {
			lastErr = err
			continue
		}
		return sample, intrinsics, nil
	}
	return EmbeddingSample{}, Intrinsics{}, errors.Wrapf(ErrSensorUnavailable,
		"no sensor data after %d attempts: %v", l.cfg.AcquireRetries, lastErr)
}
