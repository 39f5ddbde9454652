package param

import (
	"maps"
	"slices"
)

// Loss is a scalar objective paired with the function that propagates an
// upstream gradient into the parameters it depends on.
type Loss struct {
	Value    float64
	backward func(upstream float64)
}

// NewLoss returns a loss with the given value and backward hook. A nil hook
// makes the loss a constant.
func NewLoss(value float64, backward func(upstream float64)) Loss {
	return Loss{Value: value, backward: backward}
}

// Backward accumulates d(loss)/d(param) into every parameter gradient.
func (l Loss) Backward() {
	l.backwardWith(1)
}

func (l Loss) backwardWith(upstream float64) {
	if l.backward != nil {
		l.backward(upstream)
	}
}

// Scale returns f·l.
func (l Loss) Scale(f float64) Loss {
	return Loss{
		Value: l.Value * f,
		backward: func(upstream float64) {
			l.backwardWith(upstream * f)
		},
	}
}

// Sum adds the losses of a loss dictionary. Terms are combined in key order so
// the result does not depend on map iteration.
func Sum(losses map[string]Loss) Loss {
	terms := make([]Loss, 0, len(losses))
	var total float64
	for _, k := range slices.Sorted(maps.Keys(losses)) {
		terms = append(terms, losses[k])
		total += losses[k].Value
	}
	return Loss{
		Value: total,
		backward: func(upstream float64) {
			for _, t := range terms {
				t.backwardWith(upstream)
			}
		},
	}
}

// Values returns the scalar value of each loss.
func Values(losses map[string]Loss) map[string]float64 {
	out := make(map[string]float64, len(losses))
	for k, l := range losses {
		out[k] = l.Value
	}
	return out
}
