package anchor

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SensorSource is the device capability the loop reads from. Every method may
// fail with an error wrapping ErrSensorUnavailable.
type SensorSource interface {
	// TrackingPose returns the current camera pose in the local-tracking frame.
	TrackingPose() (Pose, error)
	// Intrinsics returns the current camera intrinsics.
	Intrinsics() (Intrinsics, error)
	// EmbeddingSample returns an image descriptor and the pose it was captured at.
	EmbeddingSample() (EmbeddingSample, error)
}

// ParseTrackingPose decodes {"quaternion":{x,y,z,w},"translation":[x,y,z]}
func ParseTrackingPose(data []byte) (Pose, error) {
	var p Pose
	if err := json.Unmarshal(data, &p); err != nil {
		return Pose{}, errors.Wrapf(ErrSensorUnavailable, "tracking pose: %v", err)
	}
	p.Frame = FrameLocalTracking
	return p, nil
}

// ParseIntrinsics decodes {"cx","cy","fx","fy","height","width"} and validates it
func ParseIntrinsics(data []byte) (Intrinsics, error) {
	var in Intrinsics
	if err := json.Unmarshal(data, &in); err != nil {
		return Intrinsics{}, errors.Wrapf(ErrSensorUnavailable, "intrinsics: %v", err)
	}
	if err := in.Validate(); err != nil {
		return Intrinsics{}, err
	}
	return in, nil
}

type bridgeEmbedding struct {
	Base64Vector string          `json:"base64Vector"`
	Pose         json.RawMessage `json:"pose"`
	Timestamp    float64         `json:"timestamp"`
}

// ParseEmbedding decodes {"base64Vector","pose","timestamp"}. The vector is
// returned as raw bytes.
func ParseEmbedding(data []byte) (EmbeddingSample, error) {
	var raw bridgeEmbedding
	if err := json.Unmarshal(data, &raw); err != nil {
		return EmbeddingSample{}, errors.Wrapf(ErrSensorUnavailable, "embedding: %v", err)
	}
	if raw.Base64Vector == "" {
		return EmbeddingSample{}, errors.Wrap(ErrSensorUnavailable, "embedding: empty vector")
	}
	blob, err := base64.StdEncoding.DecodeString(raw.Base64Vector)
	if err != nil {
		return EmbeddingSample{}, errors.Wrapf(ErrSensorUnavailable, "embedding: decoding vector: %v", err)
	}
	if len(raw.Pose) == 0 {
		return EmbeddingSample{}, errors.Wrap(ErrSensorUnavailable, "embedding: missing pose")
	}
	pose, err := ParseTrackingPose(raw.Pose)
	if err != nil {
		return EmbeddingSample{}, err
	}
	return EmbeddingSample{Blob: blob, Pose: pose, Timestamp: bridgeTime(raw.Timestamp)}, nil
}

// bridgeTime accepts epoch seconds (ARKit style) or epoch milliseconds.
func bridgeTime(ts float64) time.Time {
	if ts > 1e11 {
		ms := int64(math.Round(ts))
		return time.UnixMilli(ms).UTC()
	}
	return unixSeconds(ts)
}

// BridgeCache is a push-style SensorSource: the device writes the latest
// readings as they arrive and the loop reads whatever is current.
type BridgeCache struct {
	mu         sync.RWMutex
	pose       *Pose
	intrinsics *Intrinsics
	embedding  *EmbeddingSample
	fallback   *Intrinsics
	updatedAt  time.Time
}

// NewBridgeCache creates an empty cache
func NewBridgeCache() *BridgeCache {
	return &BridgeCache{}
}

// SetFallbackIntrinsics sets intrinsics served until the device pushes real ones
func (c *BridgeCache) SetFallbackIntrinsics(in Intrinsics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = &in
}

// WriteTrackingPose stores a tracking pose pushed as JSON
func (c *BridgeCache) WriteTrackingPose(data []byte) error {
	p, err := ParseTrackingPose(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pose = &p
	c.updatedAt = time.Now()
	return nil
}

// WriteIntrinsics stores intrinsics pushed as JSON
func (c *BridgeCache) WriteIntrinsics(data []byte) error {
	in, err := ParseIntrinsics(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intrinsics = &in
	c.updatedAt = time.Now()
	return nil
}

// WriteEmbedding stores an embedding sample pushed as JSON
func (c *BridgeCache) WriteEmbedding(data []byte) error {
	e, err := ParseEmbedding(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.embedding = &e
	c.updatedAt = time.Now()
	return nil
}

// UpdatedAt returns when the cache last accepted a write
func (c *BridgeCache) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

// TrackingPose implements SensorSource
func (c *BridgeCache) TrackingPose() (Pose, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pose == nil {
		return Pose{}, errors.Wrap(ErrSensorUnavailable, "no tracking pose received")
	}
	return *c.pose, nil
}

// Intrinsics implements SensorSource
func (c *BridgeCache) Intrinsics() (Intrinsics, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.intrinsics != nil:
		return *c.intrinsics, nil
	case c.fallback != nil:
		return *c.fallback, nil
	default:
		return Intrinsics{}, errors.Wrap(ErrSensorUnavailable, "no intrinsics received")
	}
}

// EmbeddingSample implements SensorSource. The blob is copied so callers
// cannot alias the cached sample.
func (c *BridgeCache) EmbeddingSample() (EmbeddingSample, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.embedding == nil {
		return EmbeddingSample{}, errors.Wrap(ErrSensorUnavailable, "no embedding received")
	}
	out := *c.embedding
	out.Blob = append([]byte(nil), c.embedding.Blob...)
	return out, nil
}
