package anchor

import (
	"sort"
	"time"
)

// Environments maps a deployment name to its VPS localization endpoint
var Environments = map[string]string{
	"stage": "https://vps-stage.naviar.io/vps/api/v3",
	"prod":  "https://vps.naviar.io/vps/api/v3",
}

// DefaultEnvironment is used when the configuration names none
const DefaultEnvironment = "stage"

// ReferenceFix is a canned, known-good localization result for a venue.
// The loop anchors to one of these when the service is unreachable.
type ReferenceFix struct {
	Name         string
	LocationID   string
	TrackingPose WirePose
	VpsPose      WirePose
	Location     GeoLocation
}

// Result returns the fix as the client would have reported it
func (r ReferenceFix) Result() FixResult {
	res := Matched(r.VpsPose.Pose(FrameGlobalVPS))
	res.LocationID = r.LocationID
	tp := r.TrackingPose.Pose(FrameLocalTracking)
	res.TrackingPose = &tp
	loc := r.Location
	res.Location = &loc
	return res
}

var polytechGPS = GeoLocation{
	Latitude:  55.75880691200808,
	Longitude: 37.627997333000565,
	Heading:   136.89415298395306,
	Timestamp: time.Unix(1689082262, 673553200).UTC(),
}

var polytechTracking = WirePose{
	X: 0.1257943, Y: -0.1797569, Z: -0.66870624,
	RX: -8.077699026319722, RY: -8.64359320786815, RZ: -0.8422943518959906,
}

// ReferenceFixes holds the canned fixes shipped with the service
var ReferenceFixes = map[string]ReferenceFix{
	"polytech-front": {
		Name:         "polytech-front",
		LocationID:   "polytech",
		TrackingPose: polytechTracking,
		VpsPose: WirePose{
			X: -28.489941888465733, Y: 1.588537364464345, Z: -28.235982446041415,
			RX: 2.083634477561243, RY: -84.6941529839531, RZ: -0.2559798540993477,
		},
		Location: polytechGPS,
	},
	"polytech-right": {
		Name:         "polytech-right",
		LocationID:   "polytech",
		TrackingPose: polytechTracking,
		VpsPose: WirePose{
			X: 166.489941888465733, Y: 3.588537364464345, Z: 44.235982446041415,
			RX: 6.083634477561243, RY: 42.6941529839531, RZ: 6.2559798540993477,
		},
		Location: polytechGPS,
	},
}

// DefaultReferenceFix names the fix used for fallback when none is configured
const DefaultReferenceFix = "polytech-right"

// ReferenceFixNames returns the known canned fix names, sorted
func ReferenceFixNames() []string {
	names := make([]string, 0, len(ReferenceFixes))
	for name := range ReferenceFixes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
