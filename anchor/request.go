package anchor

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// CoordinateSystemARCore is the client coordinate system declared in every request
const CoordinateSystemARCore = "arcore"

// WirePose is the VPS service's pose layout: position in meters and YXZ Euler angles in degrees
type WirePose struct {
	X  float64 `json:"x" yaml:"x"`
	Y  float64 `json:"y" yaml:"y"`
	Z  float64 `json:"z" yaml:"z"`
	RX float64 `json:"rx" yaml:"rx"`
	RY float64 `json:"ry" yaml:"ry"`
	RZ float64 `json:"rz" yaml:"rz"`
}

// WirePoseFrom converts a pose to the service layout
func WirePoseFrom(p Pose) WirePose {
	rx, ry, rz := EulerYXZFromQuat(p.Orientation)
	return WirePose{X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z, RX: rx, RY: ry, RZ: rz}
}

// Pose converts the service layout into a pose in the given frame
func (w WirePose) Pose(frame Frame) Pose {
	return NewPose(QuatFromEulerYXZ(w.RX, w.RY, w.RZ), r3.Vector{X: w.X, Y: w.Y, Z: w.Z}, frame)
}

// RequestAttributes is the JSON part of a localization request
type RequestAttributes struct {
	LocationIDs            []string   `json:"location_ids"`
	SessionID              string     `json:"session_id"`
	Timestamp              int64      `json:"timestamp"`
	ClientCoordinateSystem string     `json:"client_coordinate_system"`
	TrackingPose           WirePose   `json:"tracking_pose"`
	Intrinsics             Intrinsics `json:"intrinsics"`
}

type requestEnvelope struct {
	Data struct {
		Attributes RequestAttributes `json:"attributes"`
	} `json:"data"`
}

// Request is one localization request: an embedding blob plus its metadata
type Request struct {
	Attributes RequestAttributes
	Embedding  []byte
}

// BuildRequest assembles a request. It performs no I/O.
// A nil tracking pose is sent as all zeros.
func BuildRequest(embedding []byte, intrinsics Intrinsics, locationIDs []string, sessionID string, trackingPose *Pose, at time.Time) *Request {
	var wire WirePose
	if trackingPose != nil {
		wire = WirePoseFrom(*trackingPose)
	}
	ids := make([]string, len(locationIDs))
	copy(ids, locationIDs)

	return &Request{
		Attributes: RequestAttributes{
			LocationIDs:            ids,
			SessionID:              sessionID,
			Timestamp:              at.UnixMilli(),
			ClientCoordinateSystem: CoordinateSystemARCore,
			TrackingPose:           wire,
			Intrinsics:             intrinsics,
		},
		Embedding: embedding,
	}
}

// JSON returns the {"data":{"attributes":...}} document sent in the json part
func (r *Request) JSON() ([]byte, error) {
	var env requestEnvelope
	env.Data.Attributes = r.Attributes
	if env.Data.Attributes.LocationIDs == nil {
		env.Data.Attributes.LocationIDs = []string{}
	}
	return json.Marshal(env)
}

// Encode writes the request as multipart form data with an "embedding" file
// part and a "json" field, and returns the content type to send.
func (r *Request) Encode(w io.Writer) (string, error) {
	payload, err := r.JSON()
	if err != nil {
		return "", errors.Wrap(err, "marshaling request json")
	}

	mw := multipart.NewWriter(w)
	part, err := mw.CreateFormFile("embedding", "blob")
	if err != nil {
		return "", errors.Wrap(err, "creating embedding part")
	}
	if _, err := io.Copy(part, bytes.NewReader(r.Embedding)); err != nil {
		return "", errors.Wrap(err, "writing embedding part")
	}
	if err := mw.WriteField("json", string(payload)); err != nil {
		return "", errors.Wrap(err, "writing json part")
	}
	if err := mw.Close(); err != nil {
		return "", errors.Wrap(err, "closing multipart body")
	}
	return mw.FormDataContentType(), nil
}
