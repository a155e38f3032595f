package anchor

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"
)

// FixesToFeatureCollection exports matched fixes that carry GPS as GeoJSON:
// one Point per fix and, with two or more fixes, a LineString through them.
// Coordinates are [longitude, latitude].
func FixesToFeatureCollection(fixes []FixRecord) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	var track orb.LineString
	var traveled float64
	for i, fix := range fixes {
		if fix.Location == nil {
			continue
		}
		pt := orb.Point{fix.Location.Longitude, fix.Location.Latitude}
		if n := len(track); n > 0 {
			traveled += geo.Distance(track[n-1], pt)
		}
		track = append(track, pt)

		f := geojson.NewFeature(pt)
		f.ID = i
		f.Properties["sessionId"] = fix.SessionID
		f.Properties["locationId"] = fix.LocationID
		f.Properties["heading"] = fix.Location.Heading
		f.Properties["accuracy"] = fix.Location.Accuracy
		f.Properties["timestamp"] = fix.Timestamp.Format(time.RFC3339Nano)
		f.Properties["vpsPose"] = WirePoseFrom(fix.GlobalPose)
		fc.Append(f)
	}

	if len(track) >= 2 {
		f := geojson.NewFeature(track)
		f.Properties["kind"] = "track"
		f.Properties["fixes"] = len(track)
		f.Properties["distanceMeters"] = traveled
		fc.Append(f)
	}
	return fc
}

// SimplifyTrail reduces a top-down (X/Z) trail with Douglas-Peucker.
// A non-positive tolerance returns the trail unchanged.
func SimplifyTrail(trail orb.LineString, tolerance float64) orb.LineString {
	if tolerance <= 0 || len(trail) < 3 {
		return trail
	}
	simplified := simplify.DouglasPeucker(tolerance).Simplify(trail.Clone())
	if ls, ok := simplified.(orb.LineString); ok {
		return ls
	}
	return trail
}
