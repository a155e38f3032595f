package anchor

import (
	"math"

	"github.com/pkg/errors"
)

// Normalize pairs the device-reported intrinsics as (min, max) so the result
// no longer depends on whether the device reported portrait or landscape.
// fx/fy, cx/cy and width/height are each reordered independently. Normalize is idempotent.
func (in Intrinsics) Normalize() Intrinsics {
	return Intrinsics{
		Fx:     math.Min(in.Fx, in.Fy),
		Fy:     math.Max(in.Fx, in.Fy),
		Cx:     math.Min(in.Cx, in.Cy),
		Cy:     math.Max(in.Cx, in.Cy),
		Width:  math.Min(in.Width, in.Height),
		Height: math.Max(in.Width, in.Height),
	}
}

// Validate rejects intrinsics with non-positive or non-finite fields
func (in Intrinsics) Validate() error {
	fields := []struct {
		name  string
		value float64
	}{
		{"fx", in.Fx}, {"fy", in.Fy},
		{"cx", in.Cx}, {"cy", in.Cy},
		{"width", in.Width}, {"height", in.Height},
	}
	for _, f := range fields {
		if !(f.value > 0) || math.IsInf(f.value, 0) {
			return errors.Wrapf(ErrSensorUnavailable, "intrinsics.%s must be positive, got %v", f.name, f.value)
		}
	}
	return nil
}

// FieldOfView returns the camera's vertical field of view in degrees, taken as
// the average of the angles subtended by the two image axes.
func FieldOfView(in Intrinsics) float64 {
	n := in.Normalize()
	fovY := 2 * math.Atan(n.Height/(2*n.Fy))
	fovX := 2 * math.Atan(n.Width/(2*n.Fx))
	return radToDeg((fovX + fovY) / 2)
}
