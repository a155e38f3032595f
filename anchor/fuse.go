package anchor

// Fuse computes the rig transform that carries local-tracking content into the
// global frame, given the tracking pose when the image was captured, the global
// pose the VPS service returned for that image, and the camera pose now.
//
// The drift correction is delta = global ∘ track⁻¹. The camera's corrected
// global pose is delta ∘ cam, and the rig is that corrected pose with the live
// camera factored back out, so rig ∘ track reproduces the fix whenever the
// camera has not moved since capture. The live camera cancels out of the
// product, so the rig equals delta up to rounding and camPoseNow does not
// change the result. All inputs are renormalized; Fuse never fails.
func Fuse(trackPoseAtFix, globalPoseAtFix, camPoseNow Pose) RigTransform {
	track := trackPoseAtFix.normalized()
	global := globalPoseAtFix.normalized()
	cam := camPoseNow.normalized()

	delta := global.Compose(track.Inverse())
	corrected := delta.Compose(cam)
	rig := corrected.Compose(cam.Inverse())

	return RigTransform{
		Rotation:    normalizeQuat(rig.Orientation),
		Translation: rig.Position,
	}
}

// CorrectedCamera returns the camera's pose in the global frame under rig
func CorrectedCamera(rig RigTransform, camPoseNow Pose) Pose {
	return rig.Apply(camPoseNow.normalized())
}
