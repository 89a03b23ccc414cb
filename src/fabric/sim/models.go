package sim

import (
	"github.com/pkg/errors"

	"fabricflow/src/fabric/graph"
)

// BinaryElementwise models a two-input block applying fn per element pair.
// Both streams must carry the same element count.
func BinaryElementwise(t graph.ElemType, fn func(a, b int64) int64) OperatorModel {
	return OperatorModel{
		Apply: func(inputs [][]byte, _ []uint32) ([]byte, error) {
			if len(inputs) != 2 {
				return nil, errors.Errorf("binary block fed %d streams", len(inputs))
			}
			a, err := t.DecodeInts(inputs[0])
			if err != nil {
				return nil, err
			}
			b, err := t.DecodeInts(inputs[1])
			if err != nil {
				return nil, err
			}
			if len(a) != len(b) {
				return nil, errors.Errorf("stream length mismatch: %d vs %d elements", len(a), len(b))
			}
			out := make([]int64, len(a))
			for i := range a {
				out[i] = fn(a[i], b[i])
			}
			return t.EncodeInts(out), nil
		},
	}
}

// UnaryScalar models a one-input block parameterized by control register
// scalars.
func UnaryScalar(t graph.ElemType, numScalars int, fn func(v int64, scalars []uint32) int64) OperatorModel {
	return OperatorModel{
		NumScalars: numScalars,
		Apply: func(inputs [][]byte, scalars []uint32) ([]byte, error) {
			if len(inputs) != 1 {
				return nil, errors.Errorf("unary block fed %d streams", len(inputs))
			}
			values, err := t.DecodeInts(inputs[0])
			if err != nil {
				return nil, err
			}
			out := make([]int64, len(values))
			for i, v := range values {
				out[i] = fn(v, scalars)
			}
			return t.EncodeInts(out), nil
		},
	}
}
