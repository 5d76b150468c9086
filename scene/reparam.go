package scene

import (
	"github.com/chewxy/math32"
)

// Epsilon is the float32 machine epsilon used to clamp values before they
// go through log or logit.
const Epsilon float32 = 1.1920929e-7

// OpacityToRaw maps an opacity in [0, 1] to its logit
func OpacityToRaw(opacity float32) float32 {
	opacity = math32.Min(math32.Max(opacity, Epsilon), 1-Epsilon)
	return math32.Log(opacity / (1 - opacity))
}

// OpacityFromRaw maps a logit to an opacity in (0, 1)
func OpacityFromRaw(raw float32) float32 {
	return 1 / (1 + math32.Exp(-raw))
}

// ScalingToRaw maps a positive scale to log space
func ScalingToRaw(scaling float32) float32 {
	return math32.Log(math32.Max(scaling, Epsilon))
}

// ScalingFromRaw maps a log-space scale to a positive scale
func ScalingFromRaw(raw float32) float32 {
	return math32.Exp(raw)
}

// NormalizeRotation scales the quaternion q (w, x, y, z) to unit length in
// place. A zero quaternion becomes the identity rotation.
func NormalizeRotation(q []float32) {
	var norm float32
	for _, v := range q {
		norm += v * v
	}
	norm = math32.Sqrt(norm)

	if norm < Epsilon {
		q[0], q[1], q[2], q[3] = 1, 0, 0, 0
		return
	}
	for i := range q {
		q[i] /= norm
	}
}
