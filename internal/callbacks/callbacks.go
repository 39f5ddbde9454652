// Package callbacks runs hooks registered by the data manager and the model at
// fixed points of the training loop.
package callbacks

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/lumen/internal/amp"
	"github.com/samcharles93/lumen/internal/optim"
)

// Location is a point in the training loop where callbacks may run.
type Location int

const (
	BeforeTrainIteration Location = iota
	AfterTrainIteration
	AfterTrain
)

func (l Location) String() string {
	switch l {
	case BeforeTrainIteration:
		return "before_train_iteration"
	case AfterTrainIteration:
		return "after_train_iteration"
	case AfterTrain:
		return "after_train"
	default:
		return fmt.Sprintf("location(%d)", int(l))
	}
}

// Context is the handle passed to every callback.
type Context struct {
	Optimizers *optim.Group
	GradScaler *amp.GradScaler
}

// Func is the callback body.
type Func func(step int, ctx *Context)

// Callback runs Func at the listed locations, either every UpdateEveryNumIters
// steps or at the explicit Iters.
type Callback struct {
	Name                string
	Locations           []Location
	Func                Func
	UpdateEveryNumIters int
	Iters               []int
}

var ErrInvalidCallback = errors.New("callbacks: invalid callback")

func (c Callback) validate() error {
	switch {
	case c.Func == nil:
		return fmt.Errorf("%w: %q has no func", ErrInvalidCallback, c.Name)
	case len(c.Locations) == 0:
		return fmt.Errorf("%w: %q has no location", ErrInvalidCallback, c.Name)
	case c.UpdateEveryNumIters <= 0 && len(c.Iters) == 0:
		return fmt.Errorf("%w: %q needs update_every_num_iters or iters", ErrInvalidCallback, c.Name)
	case c.UpdateEveryNumIters > 0 && len(c.Iters) > 0:
		return fmt.Errorf("%w: %q sets both update_every_num_iters and iters", ErrInvalidCallback, c.Name)
	}
	return nil
}

// Due reports whether c should run at step for loc.
func (c Callback) Due(step int, loc Location) bool {
	if !slices.Contains(c.Locations, loc) {
		return false
	}
	if c.UpdateEveryNumIters > 0 {
		return step%c.UpdateEveryNumIters == 0
	}
	return slices.Contains(c.Iters, step)
}

// Registry holds callbacks in registration order.
type Registry struct {
	ctx       *Context
	callbacks []Callback
}

// NewRegistry validates and stores cbs.
func NewRegistry(ctx *Context, cbs ...Callback) (*Registry, error) {
	for _, cb := range cbs {
		if err := cb.validate(); err != nil {
			return nil, err
		}
	}
	return &Registry{ctx: ctx, callbacks: slices.Clone(cbs)}, nil
}

func (r *Registry) Len() int { return len(r.callbacks) }

// Run invokes every callback due at step for loc, in registration order.
func (r *Registry) Run(step int, loc Location) {
	for _, cb := range r.callbacks {
		if cb.Due(step, loc) {
			cb.Func(step, r.ctx)
		}
	}
}
