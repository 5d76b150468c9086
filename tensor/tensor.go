package tensor

import (
	"fmt"
)

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Tensor is a dense row-major float32 tensor. The leading dimension is the
// row (point) dimension and may be zero.
type Tensor struct {
	Shape  []int
	Data   []float32
	Device DeviceType
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)",
		t.Shape, t.Device, len(t.Data))
}

// NumElems returns the number of elements held by the tensor
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

// Rows returns the size of the leading dimension
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowSize returns the number of elements in one row
func (t *Tensor) RowSize() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return calculateNumElements(t.Shape[1:])
}

// Row returns the slice backing row i. The slice aliases the tensor data.
func (t *Tensor) Row(i int) []float32 {
	size := t.RowSize()
	return t.Data[i*size : (i+1)*size]
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 1
	}

	numElems := 1
	for _, dim := range shape {
		numElems *= dim
	}
	return numElems
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("shape cannot be empty")
	}
	if shape[0] < 0 {
		return fmt.Errorf("invalid row count %d", shape[0])
	}
	for i, dim := range shape[1:] {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension %d at index %d", dim, i+1)
		}
	}
	return nil
}

// SameShape reports whether a and b have identical shapes
func SameShape(a, b *Tensor) bool {
	if a == nil || b == nil || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// WithRows returns shape with its leading dimension replaced
func WithRows(shape []int, rows int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	if len(out) > 0 {
		out[0] = rows
	}
	return out
}
