// Package param holds trainable tensors, their gradients and the scalar losses
// that feed them.
package param

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Parameter is a flat trainable tensor with an accumulated gradient.
type Parameter struct {
	Name string
	Data []float64
	Grad []float64
}

// New returns a parameter initialised with data and a zero gradient.
func New(name string, data ...float64) *Parameter {
	return &Parameter{
		Name: name,
		Data: slices.Clone(data),
		Grad: make([]float64, len(data)),
	}
}

func (p *Parameter) Len() int { return len(p.Data) }

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	clear(p.Grad)
}

// GradNorm returns the L2 norm of the gradient.
func (p *Parameter) GradNorm() float64 {
	return floats.Norm(p.Grad, 2)
}

// Finite reports whether every gradient entry is finite.
func (p *Parameter) Finite() bool {
	for _, g := range p.Grad {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return false
		}
	}
	return true
}

// Groups maps a parameter-group name to its parameters.
type Groups map[string][]*Parameter

// Names returns the group names in sorted order.
func (g Groups) Names() []string {
	return slices.Sorted(maps.Keys(g))
}

// Flatten returns every parameter, ordered by group name.
func (g Groups) Flatten() []*Parameter {
	var out []*Parameter
	for _, name := range g.Names() {
		out = append(out, g[name]...)
	}
	return out
}

// Merge combines groups, rejecting duplicated group names.
func Merge(groups ...Groups) (Groups, error) {
	out := Groups{}
	for _, g := range groups {
		for name, params := range g {
			if _, ok := out[name]; ok {
				return nil, fmt.Errorf("param: duplicate parameter group %q", name)
			}
			out[name] = params
		}
	}
	return out, nil
}

// State is a named set of tensors, the serialisable form of parameters.
type State map[string][]float64

// Snapshot copies the parameters' data into a State keyed by name.
func Snapshot(params []*Parameter) State {
	s := make(State, len(params))
	for _, p := range params {
		s[p.Name] = slices.Clone(p.Data)
	}
	return s
}

// WithPrefix returns a copy of s with prefix prepended to each key.
func (s State) WithPrefix(prefix string) State {
	out := make(State, len(s))
	for k, v := range s {
		out[prefix+k] = v
	}
	return out
}

// TrimPrefix returns a copy of s with prefix removed from any key that has it.
func (s State) TrimPrefix(prefix string) State {
	out := make(State, len(s))
	for k, v := range s {
		out[strings.TrimPrefix(k, prefix)] = v
	}
	return out
}

var (
	ErrKeyMismatch   = errors.New("param: state keys do not match parameters")
	ErrShapeMismatch = errors.New("param: tensor shape mismatch")
)

// KeyMismatchError lists the keys that prevented a strict restore.
type KeyMismatchError struct {
	Missing    []string
	Unexpected []string
}

func (e *KeyMismatchError) Error() string {
	var b strings.Builder
	b.WriteString("param: state keys do not match parameters")
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, "; missing %s", strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		fmt.Fprintf(&b, "; unexpected %s", strings.Join(e.Unexpected, ", "))
	}
	return b.String()
}

func (e *KeyMismatchError) Unwrap() error { return ErrKeyMismatch }

// Restore copies tensors from s into params. In strict mode every parameter must
// be present and every key must name a parameter; otherwise only matching keys
// are copied. A length mismatch is always an error. Nothing is modified when an
// error is returned.
func Restore(params []*Parameter, s State, strict bool) error {
	byName := make(map[string]*Parameter, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}

	if strict {
		var mismatch KeyMismatchError
		for name := range byName {
			if _, ok := s[name]; !ok {
				mismatch.Missing = append(mismatch.Missing, name)
			}
		}
		for key := range s {
			if _, ok := byName[key]; !ok {
				mismatch.Unexpected = append(mismatch.Unexpected, key)
			}
		}
		if len(mismatch.Missing) > 0 || len(mismatch.Unexpected) > 0 {
			slices.Sort(mismatch.Missing)
			slices.Sort(mismatch.Unexpected)
			return &mismatch
		}
	}

	for key, data := range s {
		p, ok := byName[key]
		if !ok {
			continue
		}
		if len(data) != len(p.Data) {
			return fmt.Errorf("%w: %s has %d values, parameter has %d", ErrShapeMismatch, key, len(data), len(p.Data))
		}
	}
	for key, data := range s {
		if p, ok := byName[key]; ok {
			copy(p.Data, data)
		}
	}
	return nil
}
