// Package camera provides the reference views a scene is trained against.
package camera

import (
	"fmt"
	"math/rand/v2"

	"github.com/tsawler/go-splat/tensor"
)

// Camera pairs a reference image with the view it was captured from.
// The camera, image and view IDs are the same.
type Camera struct {
	CameraID uint32
	Image    Image
	View     View
}

// CameraView returns the camera's view
func (c *Camera) CameraView() *View {
	return &c.View
}

// DecodeRGBTensor decodes the reference image
func (c *Camera) DecodeRGBTensor(device tensor.DeviceType) (*tensor.Tensor, error) {
	return c.Image.DecodeRGBTensor(device)
}

// ResizeMax resizes the image and the view so the longer side equals to
func (c *Camera) ResizeMax(to uint32) error {
	if err := c.Image.ResizeMax(to); err != nil {
		return err
	}
	c.View.ResizeMax(to)
	return nil
}

// SizeMax returns the longer side of the camera image
func (c *Camera) SizeMax() uint32 {
	return c.View.SizeMax()
}

// Cameras is an ordered collection of cameras
type Cameras struct {
	order []uint32
	byID  map[uint32]*Camera
}

// NewCameras returns an empty collection
func NewCameras() *Cameras {
	return &Cameras{byID: make(map[uint32]*Camera)}
}

// Add inserts a camera. Camera IDs must be unique.
func (cs *Cameras) Add(c *Camera) error {
	if _, exists := cs.byID[c.CameraID]; exists {
		return fmt.Errorf("duplicate camera id %d", c.CameraID)
	}
	cs.order = append(cs.order, c.CameraID)
	cs.byID[c.CameraID] = c
	return nil
}

// Get looks a camera up by ID
func (cs *Cameras) Get(id uint32) (*Camera, bool) {
	c, ok := cs.byID[id]
	return c, ok
}

// Len returns the number of cameras
func (cs *Cameras) Len() int {
	return len(cs.order)
}

// All returns the cameras in insertion order
func (cs *Cameras) All() []*Camera {
	out := make([]*Camera, len(cs.order))
	for i, id := range cs.order {
		out[i] = cs.byID[id]
	}
	return out
}

// Shuffled returns the cameras in a random order drawn from rng
func (cs *Cameras) Shuffled(rng *rand.Rand) []*Camera {
	out := cs.All()
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}
