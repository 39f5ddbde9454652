package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/lumen/internal/distributed"
	"github.com/samcharles93/lumen/internal/geometry"
	"github.com/samcharles93/lumen/internal/param"
	"github.com/samcharles93/lumen/internal/scene"
)

// DDP wraps a Trainable for data-parallel training. Parameters are copied from
// rank 0 on construction and gradients are averaged across replicas at the end
// of every backward pass.
type DDP struct {
	ctx    context.Context
	module Trainable
	group  distributed.Group

	mu  sync.Mutex
	err error
}

func NewDDP(ctx context.Context, module Trainable, group distributed.Group) (*DDP, error) {
	d := &DDP{ctx: ctx, module: module, group: group}
	params := module.Parameters()
	buf := flatten(params, func(p *param.Parameter) []float64 { return p.Data })
	if err := group.Broadcast(ctx, buf, 0); err != nil {
		return nil, fmt.Errorf("ddp: broadcast parameters: %w", err)
	}
	unflatten(params, buf, func(p *param.Parameter) []float64 { return p.Data })
	return d, nil
}

// Module returns the wrapped Trainable.
func (d *DDP) Module() Trainable { return d.module }

// Forward runs the module. The returned VJP all-reduces gradients after
// propagating them locally. A failure of the previous all-reduce is reported
// here.
func (d *DDP) Forward(rays scene.RayBundle) (scene.Outputs, error) {
	d.mu.Lock()
	err := d.err
	d.err = nil
	d.mu.Unlock()
	if err != nil {
		return scene.Outputs{}, err
	}

	out, err := d.module.Forward(rays)
	if err != nil || out.VJP == nil {
		return out, err
	}
	local := out.VJP
	out.VJP = func(gradRGB []geometry.Vec3, gradDepth []float64) {
		local(gradRGB, gradDepth)
		if err := d.syncGrads(); err != nil {
			d.mu.Lock()
			d.err = err
			d.mu.Unlock()
		}
	}
	return out, nil
}

// syncGrads replaces every gradient with its cross-replica mean. The mean is
// linear, so syncing an accumulated buffer more than once per step still
// yields the mean of the accumulated gradients.
func (d *DDP) syncGrads() error {
	params := d.module.Parameters()
	grad := func(p *param.Parameter) []float64 { return p.Grad }
	buf := flatten(params, grad)
	if err := d.group.AllReduceMean(d.ctx, buf); err != nil {
		return fmt.Errorf("ddp: all-reduce gradients: %w", err)
	}
	unflatten(params, buf, grad)
	return nil
}

func (d *DDP) Parameters() []*param.Parameter { return d.module.Parameters() }

// StateDict prefixes the module's keys with "module.".
func (d *DDP) StateDict() param.State { return d.module.StateDict().WithPrefix(ddpPrefix) }

const ddpPrefix = "module."

func flatten(params []*param.Parameter, field func(*param.Parameter) []float64) []float64 {
	n := 0
	for _, p := range params {
		n += len(field(p))
	}
	out := make([]float64, 0, n)
	for _, p := range params {
		out = append(out, field(p)...)
	}
	return out
}

func unflatten(params []*param.Parameter, buf []float64, field func(*param.Parameter) []float64) {
	off := 0
	for _, p := range params {
		dst := field(p)
		copy(dst, buf[off:off+len(dst)])
		off += len(dst)
	}
}
