package tensor

import (
	"fmt"
)

// NewTensor creates a tensor over data, which must hold exactly the
// elements of shape. A nil data allocates zeros.
func NewTensor(shape []int, device DeviceType, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:  append([]int(nil), shape...),
		Data:   data,
		Device: device,
	}, nil
}

// Zeros creates a tensor filled with zeros
func Zeros(shape []int, device DeviceType) (*Tensor, error) {
	return Full(shape, 0, device)
}

// Ones creates a tensor filled with ones
func Ones(shape []int, device DeviceType) (*Tensor, error) {
	return Full(shape, 1, device)
}

// Full creates a tensor filled with value
func Full(shape []int, value float32, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	data := make([]float32, calculateNumElements(shape))
	if value != 0 {
		for i := range data {
			data[i] = value
		}
	}

	return &Tensor{
		Shape:  append([]int(nil), shape...),
		Data:   data,
		Device: device,
	}, nil
}

// ZerosLike returns a zero tensor with the shape and device of t
func ZerosLike(t *Tensor) *Tensor {
	return &Tensor{
		Shape:  append([]int(nil), t.Shape...),
		Data:   make([]float32, len(t.Data)),
		Device: t.Device,
	}
}
