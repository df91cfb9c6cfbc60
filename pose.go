package tsdf

import "github.com/soypat/geometry/ms3"

// LookAt returns the pose of a camera at eye looking towards target. up is the
// world direction that appears upwards in the image; since image Y points
// down it maps to camera -Y. up must not be parallel to target-eye.
func LookAt(eye, target, up ms3.Vec) ms3.Mat4 {
	f := ms3.Unit(ms3.Sub(target, eye))
	x := ms3.Unit(ms3.Cross(f, up))
	y := ms3.Cross(f, x)
	return ms3.NewMat4([]float32{
		x.X, y.X, f.X, eye.X,
		x.Y, y.Y, f.Y, eye.Y,
		x.Z, y.Z, f.Z, eye.Z,
		0, 0, 0, 1,
	})
}
