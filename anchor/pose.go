package anchor

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// quaternions with a norm below this are treated as degenerate and replaced by identity
const quatNormTolerance = 1e-9

var identityQuat = quat.Number{Real: 1}

// NewPose builds a pose with a unit orientation.
// A zero, NaN or infinite quaternion becomes the identity rotation.
func NewPose(orientation quat.Number, position r3.Vector, frame Frame) Pose {
	return Pose{Orientation: normalizeQuat(orientation), Position: position, Frame: frame}
}

// IdentityPose returns the pose at the origin with no rotation
func IdentityPose(frame Frame) Pose {
	return Pose{Orientation: identityQuat, Frame: frame}
}

func normalizeQuat(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n < quatNormTolerance || math.IsNaN(n) || math.IsInf(n, 0) {
		return identityQuat
	}
	return quat.Scale(1/n, q)
}

// rotate applies the unit quaternion q to v: q * (0, v) * conj(q)
func rotate(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// normalized returns p with its orientation renormalized
func (p Pose) normalized() Pose {
	p.Orientation = normalizeQuat(p.Orientation)
	return p
}

// Compose returns p ∘ q: the transform that applies q first, then p.
// The result keeps p's frame.
func (p Pose) Compose(q Pose) Pose {
	return Pose{
		Orientation: normalizeQuat(quat.Mul(p.Orientation, q.Orientation)),
		Position:    rotate(p.Orientation, q.Position).Add(p.Position),
		Frame:       p.Frame,
	}
}

// Inverse returns the transform that undoes p
func (p Pose) Inverse() Pose {
	conj := quat.Conj(p.normalized().Orientation)
	return Pose{
		Orientation: conj,
		Position:    rotate(conj, p.Position).Mul(-1),
		Frame:       p.Frame,
	}
}

// Apply maps a point through the pose
func (p Pose) Apply(v r3.Vector) r3.Vector {
	return rotate(p.Orientation, v).Add(p.Position)
}

// ApproxEqual reports whether two poses describe the same transform within tol.
// q and -q are the same rotation.
func (p Pose) ApproxEqual(q Pose, tol float64) bool {
	if p.Position.Sub(q.Position).Norm() > tol {
		return false
	}
	return rotationDistance(p.Orientation, q.Orientation) <= tol
}

// rotationDistance is 1 - |<a,b>| for unit quaternions; zero means the same rotation
func rotationDistance(a, b quat.Number) float64 {
	a, b = normalizeQuat(a), normalizeQuat(b)
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	return 1 - math.Abs(dot)
}

func degToRad(d float64) float64 { return d * math.Pi / 180 }
func radToDeg(r float64) float64 { return r * 180 / math.Pi }

// QuatFromEulerYXZ converts intrinsic Y-X-Z Euler angles in degrees to a unit quaternion.
// This is the convention the VPS service uses for rx/ry/rz.
func QuatFromEulerYXZ(rx, ry, rz float64) quat.Number {
	hx, hy, hz := degToRad(rx)/2, degToRad(ry)/2, degToRad(rz)/2
	qx := quat.Number{Real: math.Cos(hx), Imag: math.Sin(hx)}
	qy := quat.Number{Real: math.Cos(hy), Jmag: math.Sin(hy)}
	qz := quat.Number{Real: math.Cos(hz), Kmag: math.Sin(hz)}
	return normalizeQuat(quat.Mul(qy, quat.Mul(qx, qz)))
}

// EulerYXZFromQuat is the inverse of QuatFromEulerYXZ, in degrees.
// Near gimbal lock (|rx| = 90) rz is reported as zero.
func EulerYXZFromQuat(q quat.Number) (rx, ry, rz float64) {
	q = normalizeQuat(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	m11 := 1 - 2*(y*y+z*z)
	m13 := 2 * (x*z + w*y)
	m21 := 2 * (x*y + w*z)
	m22 := 1 - 2*(x*x+z*z)
	m23 := 2 * (y*z - w*x)
	m31 := 2 * (x*z - w*y)
	m33 := 1 - 2*(x*x+y*y)

	ax := math.Asin(-clamp(m23, -1, 1))
	var ay, az float64
	if math.Abs(m23) < 0.9999999 {
		ay = math.Atan2(m13, m33)
		az = math.Atan2(m21, m22)
	} else {
		ay = math.Atan2(-m31, m11)
	}
	return radToDeg(ax), radToDeg(ay), radToDeg(az)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
