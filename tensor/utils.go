package tensor

import "fmt"

// Clone returns a deep copy of the tensor
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:  append([]int(nil), t.Shape...),
		Data:   data,
		Device: t.Device,
	}
}

// ToDevice returns a copy of the tensor tagged with the target device.
// The numeric content never changes.
func (t *Tensor) ToDevice(device DeviceType) *Tensor {
	out := t.Clone()
	out.Device = device
	return out
}

// SelectRows gathers the given rows, in order, into a new tensor.
// Indices may repeat. An empty index list yields a zero-row tensor.
func (t *Tensor) SelectRows(indices []int) (*Tensor, error) {
	rows := t.Rows()
	size := t.RowSize()
	data := make([]float32, len(indices)*size)

	for i, idx := range indices {
		if idx < 0 || idx >= rows {
			return nil, fmt.Errorf("row index %d out of range [0, %d)", idx, rows)
		}
		copy(data[i*size:(i+1)*size], t.Data[idx*size:(idx+1)*size])
	}

	return &Tensor{
		Shape:  WithRows(t.Shape, len(indices)),
		Data:   data,
		Device: t.Device,
	}, nil
}

// ConcatRows joins tensors along the leading dimension. All inputs must
// agree on the trailing dimensions.
func ConcatRows(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("no tensors to concatenate")
	}

	first := tensors[0]
	rows := 0
	for i, t := range tensors {
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("tensor %d has rank %d, expected %d", i, len(t.Shape), len(first.Shape))
		}
		for d := 1; d < len(t.Shape); d++ {
			if t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("tensor %d has shape %v, incompatible with %v", i, t.Shape, first.Shape)
			}
		}
		rows += t.Rows()
	}

	data := make([]float32, 0, rows*first.RowSize())
	for _, t := range tensors {
		data = append(data, t.Data...)
	}

	return &Tensor{
		Shape:  WithRows(first.Shape, rows),
		Data:   data,
		Device: first.Device,
	}, nil
}
