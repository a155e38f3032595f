package anchor

import (
	"encoding/json"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// Frame names the coordinate system a Pose is expressed in
type Frame string

const (
	// FrameLocalTracking is the device's own tracking frame, origin at session start.
	FrameLocalTracking Frame = "local-tracking"
	// FrameGlobalVPS is the venue-anchored frame the VPS service answers in.
	FrameGlobalVPS Frame = "global-vps"
)

// Pose is a rigid transform: a unit orientation quaternion and a translation in meters.
// Construct with NewPose so the orientation is kept normalized.
type Pose struct {
	Orientation quat.Number
	Position    r3.Vector
	Frame       Frame
}

// jsonQuaternion is the {x,y,z,w} quaternion layout used on the bridge and in API output
type jsonQuaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type jsonPose struct {
	Frame       Frame           `json:"frame,omitempty"`
	Quaternion  *jsonQuaternion `json:"quaternion"`
	Translation []float64       `json:"translation"`
}

// MarshalJSON writes {"quaternion":{x,y,z,w},"translation":[x,y,z]}
func (p Pose) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonPose{
		Frame: p.Frame,
		Quaternion: &jsonQuaternion{
			X: p.Orientation.Imag,
			Y: p.Orientation.Jmag,
			Z: p.Orientation.Kmag,
			W: p.Orientation.Real,
		},
		Translation: []float64{p.Position.X, p.Position.Y, p.Position.Z},
	})
}

// UnmarshalJSON accepts the bridge pose layout and renormalizes the orientation.
func (p *Pose) UnmarshalJSON(data []byte) error {
	var raw jsonPose
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Quaternion == nil {
		return errors.New("pose: missing quaternion")
	}
	if len(raw.Translation) != 3 {
		return errors.Errorf("pose: translation must have 3 components, got %d", len(raw.Translation))
	}
	*p = NewPose(
		quat.Number{Real: raw.Quaternion.W, Imag: raw.Quaternion.X, Jmag: raw.Quaternion.Y, Kmag: raw.Quaternion.Z},
		r3.Vector{X: raw.Translation[0], Y: raw.Translation[1], Z: raw.Translation[2]},
		raw.Frame,
	)
	return nil
}

// Intrinsics are the pinhole camera parameters reported by the device, in pixels
type Intrinsics struct {
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// EmbeddingSample is one opaque image descriptor and the tracking pose at which it was captured
type EmbeddingSample struct {
	Blob      []byte
	Pose      Pose
	Timestamp time.Time
}

// FixKind classifies the outcome of one VPS exchange
type FixKind int

const (
	FixTransportFailure FixKind = iota
	FixUnmatched
	FixMatched
)

func (k FixKind) String() string {
	switch k {
	case FixMatched:
		return "matched"
	case FixUnmatched:
		return "unmatched"
	default:
		return "transport-failure"
	}
}

// GeoLocation is the optional GPS and compass block of a successful fix
type GeoLocation struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude"`
	Accuracy  float64   `json:"accuracy"`
	Heading   float64   `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

// FixResult is the classified outcome of a localization request.
// GlobalPose is meaningful only when Kind is FixMatched; Err only for FixTransportFailure.
type FixResult struct {
	Kind         FixKind
	GlobalPose   Pose
	TrackingPose *Pose
	LocationID   string
	Location     *GeoLocation
	Err          error
}

// Matched builds a successful FixResult
func Matched(global Pose) FixResult {
	global.Frame = FrameGlobalVPS
	return FixResult{Kind: FixMatched, GlobalPose: global}
}

// Unmatched builds a FixResult for a well-formed response without a usable pose
func Unmatched() FixResult {
	return FixResult{Kind: FixUnmatched}
}

// TransportFailure builds a FixResult for network, HTTP status or decode failures
func TransportFailure(err error) FixResult {
	if err == nil {
		err = ErrNetworkFailure
	}
	return FixResult{Kind: FixTransportFailure, Err: err}
}

// RigTransform maps local-tracking poses into the global frame.
// It is applied to all rendered content.
type RigTransform struct {
	Rotation    quat.Number
	Translation r3.Vector
}

// IdentityRig is the rig before any fix has been fused
func IdentityRig() RigTransform {
	return RigTransform{Rotation: identityQuat}
}

// Pose returns the rig as a global-frame pose
func (r RigTransform) Pose() Pose {
	return NewPose(r.Rotation, r.Translation, FrameGlobalVPS)
}

// Apply maps a local-tracking pose into the global frame
func (r RigTransform) Apply(p Pose) Pose {
	out := r.Pose().Compose(p)
	out.Frame = FrameGlobalVPS
	return out
}

func (r RigTransform) MarshalJSON() ([]byte, error) {
	return r.Pose().MarshalJSON()
}

func (r *RigTransform) UnmarshalJSON(data []byte) error {
	var p Pose
	if err := p.UnmarshalJSON(data); err != nil {
		return err
	}
	r.Rotation = p.Orientation
	r.Translation = p.Position
	return nil
}

// Status is the tri-state localization indicator shown to the user
type Status string

const (
	// StatusPending is reported before the first iteration of a session completes.
	StatusPending        Status = "pending"
	StatusFreshFix       Status = "fresh-fix"
	StatusNoMatch        Status = "no-match-or-error"
	StatusTransportError Status = "transport-error"
)

// Location is a selectable venue the VPS service can localize against
type Location struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}
