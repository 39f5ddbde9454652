package optim

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/samcharles93/lumen/internal/amp"
	"github.com/samcharles93/lumen/internal/param"
)

var ErrMissingGroupConfig = errors.New("optim: no optimizer configured for parameter group")

// Group holds one optimizer, and optionally one scheduler, per parameter group.
// Names are fixed at construction.
type Group struct {
	names      []string
	optimizers map[string]Optimizer
	schedulers map[string]*Scheduler
	maxNorms   map[string]float64
	// Ignored lists configured groups that have no parameters.
	Ignored []string
}

// NewGroup builds the optimizers for every parameter group. Each group must
// have an entry in cfg.
func NewGroup(cfg map[string]GroupConfig, groups param.Groups) (*Group, error) {
	g := &Group{
		optimizers: map[string]Optimizer{},
		schedulers: map[string]*Scheduler{},
		maxNorms:   map[string]float64{},
	}
	for _, name := range groups.Names() {
		gc, ok := cfg[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingGroupConfig, name)
		}
		opt, err := New(gc.Optimizer, groups[name])
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", name, err)
		}
		g.names = append(g.names, name)
		g.optimizers[name] = opt
		g.maxNorms[name] = gc.Optimizer.MaxNorm
		if gc.Scheduler != nil {
			sched, err := NewSchedule(*gc.Scheduler, gc.Optimizer.LR)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", name, err)
			}
			g.schedulers[name] = NewScheduler(opt, sched)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(cfg)) {
		if _, ok := groups[name]; !ok {
			g.Ignored = append(g.Ignored, name)
		}
	}
	return g, nil
}

// Names returns the group names in sorted order.
func (g *Group) Names() []string { return slices.Clone(g.names) }

func (g *Group) Optimizer(name string) Optimizer  { return g.optimizers[name] }
func (g *Group) Scheduler(name string) *Scheduler { return g.schedulers[name] }

// ZeroGradAll clears every gradient.
func (g *Group) ZeroGradAll() {
	for _, name := range g.names {
		g.optimizers[name].ZeroGrad()
	}
}

// OptimizerStep steps a single group without scaling.
func (g *Group) OptimizerStep(name string) {
	if opt, ok := g.optimizers[name]; ok {
		opt.Step()
	}
}

// OptimizerScalerStepAll steps every optimizer through the scaler. Groups with
// a max norm are unscaled and clipped first.
func (g *Group) OptimizerScalerStepAll(scaler *amp.GradScaler) {
	for _, name := range g.names {
		opt := g.optimizers[name]
		if maxNorm := g.maxNorms[name]; maxNorm > 0 {
			scaler.Unscale(opt)
			ClipGradNorm(opt.Params(), maxNorm)
		}
		scaler.Step(opt)
	}
}

// SchedulerStep advances one group's scheduler, if it has one.
func (g *Group) SchedulerStep(name string) {
	if s, ok := g.schedulers[name]; ok {
		s.Step()
	}
}

// SchedulerStepAll advances every scheduler by one step.
func (g *Group) SchedulerStepAll() {
	for _, name := range g.names {
		g.SchedulerStep(name)
	}
}

// LRs returns each group's current learning rate.
func (g *Group) LRs() map[string]float64 {
	out := make(map[string]float64, len(g.names))
	for _, name := range g.names {
		out[name] = g.optimizers[name].LR()
	}
	return out
}

func (g *Group) OptimizerStates() map[string]State {
	out := make(map[string]State, len(g.names))
	for _, name := range g.names {
		out[name] = g.optimizers[name].State()
	}
	return out
}

func (g *Group) SchedulerStates() map[string]SchedulerState {
	out := make(map[string]SchedulerState, len(g.schedulers))
	for name, s := range g.schedulers {
		out[name] = s.State()
	}
	return out
}

// LoadOptimizers restores optimizer states. Every group must be present.
func (g *Group) LoadOptimizers(states map[string]State) error {
	for _, name := range g.names {
		st, ok := states[name]
		if !ok {
			return fmt.Errorf("%w: no state for group %q", ErrStateMismatch, name)
		}
		if err := g.optimizers[name].LoadState(st); err != nil {
			return fmt.Errorf("group %q: %w", name, err)
		}
	}
	return nil
}

// LoadSchedulers restores scheduler states for groups present in states.
func (g *Group) LoadSchedulers(states map[string]SchedulerState) error {
	for _, name := range g.names {
		s, ok := g.schedulers[name]
		if !ok {
			continue
		}
		st, ok := states[name]
		if !ok {
			continue
		}
		if err := s.LoadState(st); err != nil {
			return fmt.Errorf("group %q: %w", name, err)
		}
	}
	return nil
}
