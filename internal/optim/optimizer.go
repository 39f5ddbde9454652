// Package optim provides per-parameter-group optimizers and learning-rate
// schedulers.
package optim

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/lumen/internal/param"
)

var (
	ErrUnknownOptimizer = errors.New("optim: unknown optimizer type")
	ErrStateMismatch    = errors.New("optim: optimizer state does not match")
)

// Optimizer updates a fixed list of parameters from their gradients.
type Optimizer interface {
	Params() []*param.Parameter
	ZeroGrad()
	Step()
	LR() float64
	SetLR(lr float64)
	State() State
	LoadState(State) error
}

// State is the serialisable optimizer state. Slots hold per-parameter moment
// buffers keyed by slot name then parameter name.
type State struct {
	Kind  string                 `json:"kind"`
	Step  int                    `json:"step"`
	LR    float64                `json:"lr"`
	Slots map[string]param.State `json:"slots,omitempty"`
}

// New builds the optimizer described by cfg over params.
func New(cfg OptimizerConfig, params []*param.Parameter) (Optimizer, error) {
	switch cfg.Type {
	case "adam", "":
		return NewAdam(params, cfg.LR, cfg.Eps, cfg.WeightDecay), nil
	case "sgd":
		return NewSGD(params, cfg.LR, cfg.Momentum, cfg.WeightDecay), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, cfg.Type)
	}
}

func zeroGrad(params []*param.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func newSlot(params []*param.Parameter) param.State {
	s := make(param.State, len(params))
	for _, p := range params {
		s[p.Name] = make([]float64, len(p.Data))
	}
	return s
}

func loadSlot(dst param.State, src param.State, name string) error {
	for key, buf := range dst {
		v, ok := src[key]
		if !ok {
			return fmt.Errorf("%w: slot %s missing %s", ErrStateMismatch, name, key)
		}
		if len(v) != len(buf) {
			return fmt.Errorf("%w: slot %s %s has %d values, want %d", ErrStateMismatch, name, key, len(v), len(buf))
		}
		copy(buf, v)
	}
	return nil
}

// SGD is stochastic gradient descent with optional momentum and L2 weight decay.
type SGD struct {
	params      []*param.Parameter
	lr          float64
	momentum    float64
	weightDecay float64
	steps       int
	velocity    param.State
}

func NewSGD(params []*param.Parameter, lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		params:      params,
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
		velocity:    newSlot(params),
	}
}

func (o *SGD) Params() []*param.Parameter { return o.params }
func (o *SGD) ZeroGrad()                  { zeroGrad(o.params) }
func (o *SGD) LR() float64                { return o.lr }
func (o *SGD) SetLR(lr float64)           { o.lr = lr }

func (o *SGD) Step() {
	o.steps++
	for _, p := range o.params {
		g := p.Grad
		if o.weightDecay != 0 {
			g = make([]float64, len(p.Grad))
			floats.AddScaledTo(g, p.Grad, o.weightDecay, p.Data)
		}
		if o.momentum != 0 {
			v := o.velocity[p.Name]
			floats.Scale(o.momentum, v)
			floats.Add(v, g)
			g = v
		}
		floats.AddScaled(p.Data, -o.lr, g)
	}
}

func (o *SGD) State() State {
	return State{
		Kind:  "sgd",
		Step:  o.steps,
		LR:    o.lr,
		Slots: map[string]param.State{"momentum_buffer": cloneState(o.velocity)},
	}
}

func (o *SGD) LoadState(s State) error {
	if s.Kind != "sgd" {
		return fmt.Errorf("%w: kind %q, want sgd", ErrStateMismatch, s.Kind)
	}
	if buf, ok := s.Slots["momentum_buffer"]; ok {
		if err := loadSlot(o.velocity, buf, "momentum_buffer"); err != nil {
			return err
		}
	}
	o.steps = s.Step
	o.lr = s.LR
	return nil
}

// Adam implements Adam with L2 weight decay folded into the gradient.
type Adam struct {
	params      []*param.Parameter
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	steps       int
	m, v        param.State
}

func NewAdam(params []*param.Parameter, lr, eps, weightDecay float64) *Adam {
	if eps <= 0 {
		eps = 1e-15
	}
	return &Adam{
		params:      params,
		lr:          lr,
		beta1:       0.9,
		beta2:       0.999,
		eps:         eps,
		weightDecay: weightDecay,
		m:           newSlot(params),
		v:           newSlot(params),
	}
}

func (o *Adam) Params() []*param.Parameter { return o.params }
func (o *Adam) ZeroGrad()                  { zeroGrad(o.params) }
func (o *Adam) LR() float64                { return o.lr }
func (o *Adam) SetLR(lr float64)           { o.lr = lr }

func (o *Adam) Step() {
	o.steps++
	bc1 := 1 - math.Pow(o.beta1, float64(o.steps))
	bc2 := 1 - math.Pow(o.beta2, float64(o.steps))
	for _, p := range o.params {
		m, v := o.m[p.Name], o.v[p.Name]
		for i, g := range p.Grad {
			if o.weightDecay != 0 {
				g += o.weightDecay * p.Data[i]
			}
			m[i] = o.beta1*m[i] + (1-o.beta1)*g
			v[i] = o.beta2*v[i] + (1-o.beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p.Data[i] -= o.lr * mHat / (math.Sqrt(vHat) + o.eps)
		}
	}
}

func (o *Adam) State() State {
	return State{
		Kind: "adam",
		Step: o.steps,
		LR:   o.lr,
		Slots: map[string]param.State{
			"exp_avg":    cloneState(o.m),
			"exp_avg_sq": cloneState(o.v),
		},
	}
}

func (o *Adam) LoadState(s State) error {
	if s.Kind != "adam" {
		return fmt.Errorf("%w: kind %q, want adam", ErrStateMismatch, s.Kind)
	}
	if err := loadSlot(o.m, s.Slots["exp_avg"], "exp_avg"); err != nil {
		return err
	}
	if err := loadSlot(o.v, s.Slots["exp_avg_sq"], "exp_avg_sq"); err != nil {
		return err
	}
	o.steps = s.Step
	o.lr = s.LR
	return nil
}

func cloneState(s param.State) param.State {
	out := make(param.State, len(s))
	for k, v := range s {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// ClipGradNorm rescales the gradients of params so their global L2 norm is at
// most maxNorm. It returns the norm before clipping.
func ClipGradNorm(params []*param.Parameter, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		n := floats.Norm(p.Grad, 2)
		sq += n * n
	}
	total := math.Sqrt(sq)
	if maxNorm > 0 && total > maxNorm {
		coef := maxNorm / (total + 1e-6)
		for _, p := range params {
			floats.Scale(coef, p.Grad)
		}
	}
	return total
}
