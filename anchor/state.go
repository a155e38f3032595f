package anchor

import (
	"sync"
	"time"

	"github.com/golang/geo/r3"
)

const (
	// DefaultFixHistory is how many matched fixes AnchorState remembers.
	DefaultFixHistory = 64
	// DefaultTrailLength is how many corrected camera positions AnchorState remembers.
	DefaultTrailLength = 512
)

// FixRecord is one matched fix as it was fused into the rig
type FixRecord struct {
	SessionID    string       `json:"sessionId"`
	LocationID   string       `json:"locationId,omitempty"`
	TrackingPose Pose         `json:"trackingPose"`
	GlobalPose   Pose         `json:"globalPose"`
	Rig          RigTransform `json:"rig"`
	Location     *GeoLocation `json:"location,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Update is one committed iteration. A nil Rig leaves the rig unchanged.
type Update struct {
	Rig    *RigTransform
	Status Status
	Camera *Pose
	Fix    *FixRecord
	At     time.Time
}

// Snapshot is a consistent copy of the anchor state
type Snapshot struct {
	Rig         RigTransform `json:"rig"`
	Status      Status       `json:"status"`
	Iterations  uint64       `json:"iterations"`
	LastFix     *FixRecord   `json:"lastFix,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	FixCount    int          `json:"fixCount"`
	TrailLength int          `json:"trailLength"`
}

// AnchorState holds the rig transform and status indicator. The loop is the
// only writer; any number of readers may observe it. Rig and status are always
// replaced together so readers never see a torn update.
type AnchorState struct {
	mu         sync.RWMutex
	rig        RigTransform
	status     Status
	iterations uint64
	updatedAt  time.Time
	camera     Pose
	fixes      []FixRecord
	trail      []r3.Vector
	maxFixes   int
	maxTrail   int

	subMu       sync.Mutex
	subscribers map[int]chan Snapshot
	nextSubID   int
}

// NewAnchorState creates a state with the identity rig and pending status
func NewAnchorState() *AnchorState {
	return &AnchorState{
		rig:         IdentityRig(),
		status:      StatusPending,
		camera:      IdentityPose(FrameLocalTracking),
		maxFixes:    DefaultFixHistory,
		maxTrail:    DefaultTrailLength,
		subscribers: make(map[int]chan Snapshot),
	}
}

// Commit applies one iteration's outcome atomically and notifies subscribers.
func (s *AnchorState) Commit(u Update) Snapshot {
	s.mu.Lock()
	if u.Rig != nil {
		s.rig = *u.Rig
	}
	if u.Status != "" {
		s.status = u.Status
	}
	if u.Camera != nil {
		s.camera = *u.Camera
		corrected := s.rig.Apply(*u.Camera)
		s.trail = appendBounded(s.trail, corrected.Position, s.maxTrail)
	}
	if u.Fix != nil {
		s.fixes = appendBounded(s.fixes, *u.Fix, s.maxFixes)
	}
	s.iterations++
	s.updatedAt = u.At
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.broadcast(snap)
	return snap
}

// Reset returns the rig to identity and the status to pending, keeping history
func (s *AnchorState) Reset() {
	s.mu.Lock()
	s.rig = IdentityRig()
	s.status = StatusPending
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.broadcast(snap)
}

func appendBounded[T any](list []T, v T, limit int) []T {
	list = append(list, v)
	if limit > 0 && len(list) > limit {
		list = append(list[:0:0], list[len(list)-limit:]...)
	}
	return list
}

// Rig returns the current rig transform
func (s *AnchorState) Rig() RigTransform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rig
}

// Status returns the current status indicator
func (s *AnchorState) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastCamera returns the most recent local-tracking camera pose seen by the loop
func (s *AnchorState) LastCamera() Pose {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.camera
}

// Snapshot returns rig, status and bookkeeping read under one lock
func (s *AnchorState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *AnchorState) snapshotLocked() Snapshot {
	snap := Snapshot{
		Rig:         s.rig,
		Status:      s.status,
		Iterations:  s.iterations,
		UpdatedAt:   s.updatedAt,
		FixCount:    len(s.fixes),
		TrailLength: len(s.trail),
	}
	if n := len(s.fixes); n > 0 {
		last := s.fixes[n-1]
		snap.LastFix = &last
	}
	return snap
}

// Fixes returns a copy of the matched-fix history, oldest first
func (s *AnchorState) Fixes() []FixRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FixRecord, len(s.fixes))
	copy(out, s.fixes)
	return out
}

// Trail returns a copy of the corrected camera positions, oldest first
func (s *AnchorState) Trail() []r3.Vector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]r3.Vector, len(s.trail))
	copy(out, s.trail)
	return out
}

// Subscribe returns a channel receiving a snapshot after every commit.
// Slow subscribers miss intermediate snapshots rather than block the loop.
// Call the returned function to unsubscribe.
func (s *AnchorState) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *AnchorState) broadcast(snap Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
			// drop the stale pending snapshot and replace it
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
