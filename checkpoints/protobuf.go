package checkpoints

import (
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the checkpoint wire schema.
//
//	message Checkpoint {
//	  repeated WeightTensor weights = 1;
//	  TrainingState training_state = 2;
//	  repeated OptimizerState optimizer_states = 3;
//	  RefinementState refinement_state = 4;
//	  Metadata metadata = 5;
//	}
const (
	checkpointWeights         protowire.Number = 1
	checkpointTrainingState   protowire.Number = 2
	checkpointOptimizerStates protowire.Number = 3
	checkpointRefinement      protowire.Number = 4
	checkpointMetadata        protowire.Number = 5

	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2
	tensorData  protowire.Number = 3
	tensorType  protowire.Number = 4

	trainingIteration     protowire.Number = 1
	trainingDegreeMax     protowire.Number = 2
	trainingPointCount    protowire.Number = 3
	trainingLearningRates protowire.Number = 4
	trainingLoss          protowire.Number = 5

	optimizerName       protowire.Number = 1
	optimizerType       protowire.Number = 2
	optimizerParameters protowire.Number = 3
	optimizerStateData  protowire.Number = 4

	refinementGradNormSum  protowire.Number = 1
	refinementVisibleCount protowire.Number = 2

	metadataVersion     protowire.Number = 1
	metadataFramework   protowire.Number = 2
	metadataCreatedAt   protowire.Number = 3
	metadataDescription protowire.Number = 4
	metadataTags        protowire.Number = 5
	metadataRunID       protowire.Number = 6

	mapKey   protowire.Number = 1
	mapValue protowire.Number = 2
)

// ProtobufExporter writes checkpoints in protobuf wire format
type ProtobufExporter struct{}

// NewProtobufExporter creates a new protobuf exporter
func NewProtobufExporter() *ProtobufExporter {
	return &ProtobufExporter{}
}

// ExportToFile encodes the checkpoint and writes it to path
func (pe *ProtobufExporter) ExportToFile(checkpoint *Checkpoint, path string) error {
	data := pe.Marshal(checkpoint)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

// Marshal encodes the checkpoint. Map entries are written in key order so
// the output is deterministic.
func (pe *ProtobufExporter) Marshal(checkpoint *Checkpoint) []byte {
	var b []byte

	for _, weight := range checkpoint.Weights {
		b = appendMessage(b, checkpointWeights, appendTensor(nil, weight.Name, weight.Shape, weight.Data, weight.Type))
	}

	b = appendMessage(b, checkpointTrainingState, appendTrainingState(nil, &checkpoint.TrainingState))

	for i := range checkpoint.OptimizerStates {
		b = appendMessage(b, checkpointOptimizerStates, appendOptimizerState(nil, &checkpoint.OptimizerStates[i]))
	}

	if checkpoint.RefinementState != nil {
		var r []byte
		r = appendPackedFloats(r, refinementGradNormSum, checkpoint.RefinementState.PositionsGradNormSum)
		r = appendPackedFloats(r, refinementVisibleCount, checkpoint.RefinementState.VisibleCount)
		b = appendMessage(b, checkpointRefinement, r)
	}

	b = appendMessage(b, checkpointMetadata, appendMetadata(nil, &checkpoint.Metadata))

	return b
}

func appendTensor(b []byte, name string, shape []int, data []float32, kind string) []byte {
	b = appendString(b, tensorName, name)
	b = appendPackedInts(b, tensorShape, shape)
	b = appendPackedFloats(b, tensorData, data)
	b = appendString(b, tensorType, kind)
	return b
}

func appendTrainingState(b []byte, state *TrainingState) []byte {
	b = appendVarint(b, trainingIteration, state.Iteration)
	b = appendVarint(b, trainingDegreeMax, uint64(state.ColorsSHDegreeMax))
	b = appendVarint(b, trainingPointCount, uint64(state.PointCount))
	b = appendDoubleMap(b, trainingLearningRates, state.LearningRates)
	if state.Loss != 0 {
		b = protowire.AppendTag(b, trainingLoss, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(state.Loss))
	}
	return b
}

func appendOptimizerState(b []byte, state *OptimizerState) []byte {
	b = appendString(b, optimizerName, state.Name)
	b = appendString(b, optimizerType, state.Type)
	b = appendDoubleMap(b, optimizerParameters, state.Parameters)
	for _, st := range state.StateData {
		b = appendMessage(b, optimizerStateData, appendTensor(nil, st.Name, st.Shape, st.Data, st.StateType))
	}
	return b
}

func appendMetadata(b []byte, metadata *CheckpointMetadata) []byte {
	b = appendString(b, metadataVersion, metadata.Version)
	b = appendString(b, metadataFramework, metadata.Framework)
	if !metadata.CreatedAt.IsZero() {
		b = appendVarint(b, metadataCreatedAt, uint64(metadata.CreatedAt.UnixNano()))
	}
	b = appendString(b, metadataDescription, metadata.Description)
	for _, tag := range metadata.Tags {
		b = protowire.AppendTag(b, metadataTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	b = appendString(b, metadataRunID, metadata.RunID)
	return b
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendPackedInts(b []byte, num protowire.Number, values []int) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, values []float32) []byte {
	if len(values) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendDoubleMap(b []byte, num protowire.Number, m map[string]float64) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, mapKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, mapValue, protowire.Fixed64Type)
		entry = protowire.AppendFixed64(entry, math.Float64bits(m[k]))
		b = appendMessage(b, num, entry)
	}
	return b
}

// ProtobufImporter reads checkpoints in protobuf wire format
type ProtobufImporter struct{}

// NewProtobufImporter creates a new protobuf importer
func NewProtobufImporter() *ProtobufImporter {
	return &ProtobufImporter{}
}

// ImportFromFile reads and decodes the checkpoint at path
func (pi *ProtobufImporter) ImportFromFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	checkpoint, err := pi.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return checkpoint, nil
}

// Unmarshal decodes a checkpoint. Unknown fields are skipped.
func (pi *ProtobufImporter) Unmarshal(data []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}

	err := consumeMessage(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case checkpointWeights:
			msg, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			var weight WeightTensor
			if err := consumeTensor(msg, &weight.Name, &weight.Shape, &weight.Data, &weight.Type); err != nil {
				return 0, fmt.Errorf("weight %d: %w", len(checkpoint.Weights), err)
			}
			checkpoint.Weights = append(checkpoint.Weights, weight)
			return n, nil

		case checkpointTrainingState:
			msg, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			if err := consumeTrainingState(msg, &checkpoint.TrainingState); err != nil {
				return 0, fmt.Errorf("training state: %w", err)
			}
			return n, nil

		case checkpointOptimizerStates:
			msg, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			var state OptimizerState
			if err := consumeOptimizerState(msg, &state); err != nil {
				return 0, fmt.Errorf("optimizer state %d: %w", len(checkpoint.OptimizerStates), err)
			}
			checkpoint.OptimizerStates = append(checkpoint.OptimizerStates, state)
			return n, nil

		case checkpointRefinement:
			msg, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			refinement := &RefinementState{}
			err = consumeMessage(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case refinementGradNormSum:
					return consumePackedFloats(num, typ, b, &refinement.PositionsGradNormSum)
				case refinementVisibleCount:
					return consumePackedFloats(num, typ, b, &refinement.VisibleCount)
				}
				return 0, nil
			})
			if err != nil {
				return 0, fmt.Errorf("refinement state: %w", err)
			}
			checkpoint.RefinementState = refinement
			return n, nil

		case checkpointMetadata:
			msg, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			if err := consumeMetadata(msg, &checkpoint.Metadata); err != nil {
				return 0, fmt.Errorf("metadata: %w", err)
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}

	return checkpoint, nil
}

func consumeTensor(data []byte, name *string, shape *[]int, values *[]float32, kind *string) error {
	return consumeMessage(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case tensorName:
			return consumeString(num, typ, b, name)
		case tensorShape:
			return consumePackedInts(num, typ, b, shape)
		case tensorData:
			return consumePackedFloats(num, typ, b, values)
		case tensorType:
			return consumeString(num, typ, b, kind)
		}
		return 0, nil
	})
}

func consumeTrainingState(data []byte, state *TrainingState) error {
	return consumeMessage(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case trainingIteration:
			return consumeVarint(num, typ, b, func(v uint64) { state.Iteration = v })
		case trainingDegreeMax:
			return consumeVarint(num, typ, b, func(v uint64) { state.ColorsSHDegreeMax = uint32(v) })
		case trainingPointCount:
			return consumeVarint(num, typ, b, func(v uint64) { state.PointCount = int(v) })
		case trainingLearningRates:
			if state.LearningRates == nil {
				state.LearningRates = make(map[string]float64)
			}
			return consumeDoubleMapEntry(num, typ, b, state.LearningRates)
		case trainingLoss:
			if typ != protowire.Fixed64Type {
				return 0, wireTypeError(num, typ)
			}
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			state.Loss = math.Float64frombits(v)
			return n, nil
		}
		return 0, nil
	})
}

func consumeOptimizerState(data []byte, state *OptimizerState) error {
	return consumeMessage(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case optimizerName:
			return consumeString(num, typ, b, &state.Name)
		case optimizerType:
			return consumeString(num, typ, b, &state.Type)
		case optimizerParameters:
			if state.Parameters == nil {
				state.Parameters = make(map[string]float64)
			}
			return consumeDoubleMapEntry(num, typ, b, state.Parameters)
		case optimizerStateData:
			msg, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			var st OptimizerTensor
			if err := consumeTensor(msg, &st.Name, &st.Shape, &st.Data, &st.StateType); err != nil {
				return 0, err
			}
			state.StateData = append(state.StateData, st)
			return n, nil
		}
		return 0, nil
	})
}

func consumeMetadata(data []byte, metadata *CheckpointMetadata) error {
	return consumeMessage(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case metadataVersion:
			return consumeString(num, typ, b, &metadata.Version)
		case metadataFramework:
			return consumeString(num, typ, b, &metadata.Framework)
		case metadataCreatedAt:
			return consumeVarint(num, typ, b, func(v uint64) {
				metadata.CreatedAt = time.Unix(0, int64(v)).UTC()
			})
		case metadataDescription:
			return consumeString(num, typ, b, &metadata.Description)
		case metadataTags:
			var tag string
			n, err := consumeString(num, typ, b, &tag)
			if err != nil {
				return 0, err
			}
			metadata.Tags = append(metadata.Tags, tag)
			return n, nil
		case metadataRunID:
			return consumeString(num, typ, b, &metadata.RunID)
		}
		return 0, nil
	})
}

// consumeMessage walks the fields of one message. fn returns the number of
// bytes it consumed for the field value, or 0 to have the field skipped.
func consumeMessage(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		data = data[m:]
	}
	return nil
}

func wireTypeError(num protowire.Number, typ protowire.Type) error {
	return fmt.Errorf("field %d: unexpected wire type %d", num, typ)
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wireTypeError(num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := consumeBytes(num, typ, b)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte, set func(uint64)) (int, error) {
	if typ != protowire.VarintType {
		return 0, wireTypeError(num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	set(v)
	return n, nil
}

func consumePackedInts(num protowire.Number, typ protowire.Type, b []byte, dst *[]int) (int, error) {
	packed, n, err := consumeBytes(num, typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		*dst = append(*dst, int(v))
		packed = packed[m:]
	}
	return n, nil
}

func consumePackedFloats(num protowire.Number, typ protowire.Type, b []byte, dst *[]float32) (int, error) {
	packed, n, err := consumeBytes(num, typ, b)
	if err != nil {
		return 0, err
	}
	if len(packed)%4 != 0 {
		return 0, fmt.Errorf("field %d: packed float length %d is not a multiple of 4", num, len(packed))
	}
	values := make([]float32, 0, len(*dst)+len(packed)/4)
	values = append(values, *dst...)
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed32(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		values = append(values, math.Float32frombits(v))
		packed = packed[m:]
	}
	*dst = values
	return n, nil
}

func consumeDoubleMapEntry(num protowire.Number, typ protowire.Type, b []byte, dst map[string]float64) (int, error) {
	entry, n, err := consumeBytes(num, typ, b)
	if err != nil {
		return 0, err
	}

	var key string
	var value float64
	err = consumeMessage(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case mapKey:
			return consumeString(num, typ, b, &key)
		case mapValue:
			if typ != protowire.Fixed64Type {
				return 0, wireTypeError(num, typ)
			}
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			value = math.Float64frombits(v)
			return m, nil
		}
		return 0, nil
	})
	if err != nil {
		return 0, err
	}

	dst[key] = value
	return n, nil
}
