package camera

import (
	"math"
)

// View describes the pinhole camera a reference image was taken from
type View struct {
	FieldOfViewX float64 `json:"field_of_view_x"` // radians
	FieldOfViewY float64 `json:"field_of_view_y"` // radians
	ImageHeight  uint32  `json:"image_height"`
	ImageWidth   uint32  `json:"image_width"`
	ViewID       uint32  `json:"view_id"`

	// ViewPosition is the camera center in world space
	ViewPosition [3]float64 `json:"view_position"`

	// ViewTransform is the row-major world-to-view matrix
	ViewTransform [4][4]float64 `json:"view_transform"`
}

// NewView builds a view from a world-to-view rotation quaternion
// (w, x, y, z) and translation, as stored by COLMAP-style datasets.
func NewView(id uint32, width, height uint32, fovX, fovY float64, quaternion [4]float64, translation [3]float64) *View {
	rotation := rotationMatrix(quaternion)

	var transform [4][4]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			transform[r][c] = rotation[r][c]
		}
		transform[r][3] = translation[r]
	}
	transform[3][3] = 1

	// The camera center is -R^T t.
	var position [3]float64
	for c := 0; c < 3; c++ {
		for r := 0; r < 3; r++ {
			position[c] -= rotation[r][c] * translation[r]
		}
	}

	return &View{
		FieldOfViewX:  fovX,
		FieldOfViewY:  fovY,
		ImageHeight:   height,
		ImageWidth:    width,
		ViewID:        id,
		ViewPosition:  position,
		ViewTransform: transform,
	}
}

func rotationMatrix(q [4]float64) [3][3]float64 {
	norm := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if norm == 0 {
		return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	}
	w, x, y, z := q[0]/norm, q[1]/norm, q[2]/norm, q[3]/norm

	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// FocalLengths returns the focal lengths in pixels
func (v *View) FocalLengths() (float64, float64) {
	fx := float64(v.ImageWidth) / (2 * math.Tan(v.FieldOfViewX/2))
	fy := float64(v.ImageHeight) / (2 * math.Tan(v.FieldOfViewY/2))
	return fx, fy
}

// SizeMax returns the longer side of the image
func (v *View) SizeMax() uint32 {
	if v.ImageHeight > v.ImageWidth {
		return v.ImageHeight
	}
	return v.ImageWidth
}

// ResizeMax scales the image dimensions so the longer side equals to,
// keeping the aspect ratio. The fields of view do not change.
func (v *View) ResizeMax(to uint32) {
	width, height := resizedDimensions(v.ImageWidth, v.ImageHeight, to)
	v.ImageWidth = width
	v.ImageHeight = height
}

func resizedDimensions(width, height, to uint32) (uint32, uint32) {
	if width == 0 || height == 0 || to == 0 {
		return width, height
	}
	if width >= height {
		h := uint32(math.Round(float64(height) * float64(to) / float64(width)))
		return to, max(h, 1)
	}
	w := uint32(math.Round(float64(width) * float64(to) / float64(height)))
	return max(w, 1), to
}
