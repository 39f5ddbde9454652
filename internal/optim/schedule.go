package optim

import (
	"errors"
	"fmt"
	"math"
)

var ErrUnknownScheduler = errors.New("optim: unknown scheduler type")

// Schedule maps a step to a multiplier on the base learning rate. Schedules are
// pure; Scheduler carries the step counter.
type Schedule interface {
	Factor(step int) float64
	Name() string
}

// NewSchedule builds the schedule described by cfg. lrInit is the optimizer's
// base learning rate.
func NewSchedule(cfg SchedulerConfig, lrInit float64) (Schedule, error) {
	switch cfg.Type {
	case "", "constant":
		return Constant{}, nil
	case "exponential_decay":
		return ExponentialDecay{
			LRInit:      lrInit,
			LRPreWarmup: cfg.LRPreWarmup,
			LRFinal:     cfg.LRFinal,
			WarmupSteps: cfg.WarmupSteps,
			MaxSteps:    cfg.MaxSteps,
			Ramp:        cfg.Ramp,
		}, nil
	case "multi_step":
		return MultiStep{Milestones: cfg.Milestones, Gamma: cfg.Gamma}, nil
	case "cosine_decay":
		return CosineDecay{WarmUpEnd: cfg.WarmupSteps, Alpha: cfg.Alpha, MaxSteps: cfg.MaxSteps}, nil
	case "step":
		return StepDecay{StepSize: cfg.StepSize, Gamma: cfg.Gamma}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheduler, cfg.Type)
	}
}

// Constant keeps the base learning rate.
type Constant struct{}

func (Constant) Factor(int) float64 { return 1 }
func (Constant) Name() string       { return "constant" }

// ExponentialDecay warms up from LRPreWarmup to LRInit over WarmupSteps, then
// decays log-linearly to LRFinal at MaxSteps.
type ExponentialDecay struct {
	LRInit      float64
	LRPreWarmup float64
	LRFinal     float64
	WarmupSteps int
	MaxSteps    int
	Ramp        string // "cosine" or "linear"
}

func (s ExponentialDecay) Factor(step int) float64 {
	if s.LRInit <= 0 {
		return 1
	}
	final := s.LRFinal
	if final <= 0 {
		final = s.LRInit
	}
	var lr float64
	if step < s.WarmupSteps {
		frac := float64(step) / float64(s.WarmupSteps)
		if s.Ramp == "cosine" {
			frac = math.Sin(0.5 * math.Pi * clamp01(frac))
		}
		lr = s.LRPreWarmup + (s.LRInit-s.LRPreWarmup)*frac
	} else {
		span := s.MaxSteps - s.WarmupSteps
		t := 1.0
		if span > 0 {
			t = clamp01(float64(step-s.WarmupSteps) / float64(span))
		}
		lr = math.Exp(math.Log(s.LRInit)*(1-t) + math.Log(final)*t)
	}
	return lr / s.LRInit
}

func (ExponentialDecay) Name() string { return "exponential_decay" }

// MultiStep multiplies by Gamma at every milestone reached.
type MultiStep struct {
	Milestones []int
	Gamma      float64
}

func (s MultiStep) Factor(step int) float64 {
	n := 0
	for _, m := range s.Milestones {
		if step >= m {
			n++
		}
	}
	return math.Pow(s.Gamma, float64(n))
}

func (MultiStep) Name() string { return "multi_step" }

// CosineDecay warms up linearly then follows a half cosine down to Alpha.
type CosineDecay struct {
	WarmUpEnd int
	Alpha     float64
	MaxSteps  int
}

func (s CosineDecay) Factor(step int) float64 {
	if step < s.WarmUpEnd {
		return float64(step) / float64(s.WarmUpEnd)
	}
	span := s.MaxSteps - s.WarmUpEnd
	progress := 1.0
	if span > 0 {
		progress = clamp01(float64(step-s.WarmUpEnd) / float64(span))
	}
	return (math.Cos(math.Pi*progress)+1)/2*(1-s.Alpha) + s.Alpha
}

func (CosineDecay) Name() string { return "cosine_decay" }

// StepDecay multiplies by Gamma every StepSize steps.
type StepDecay struct {
	StepSize int
	Gamma    float64
}

func (s StepDecay) Factor(step int) float64 {
	if s.StepSize <= 0 {
		return 1
	}
	return math.Pow(s.Gamma, float64(step/s.StepSize))
}

func (StepDecay) Name() string { return "step" }

func clamp01(x float64) float64 { return math.Min(1, math.Max(0, x)) }

// SchedulerState is the serialisable scheduler state.
type SchedulerState struct {
	Name     string  `json:"name"`
	LastStep int     `json:"last_step"`
	BaseLR   float64 `json:"base_lr"`
}

// Scheduler drives an optimizer's learning rate from a Schedule. It sets the
// step-0 rate on construction and advances one step per Step call.
type Scheduler struct {
	opt      Optimizer
	schedule Schedule
	baseLR   float64
	lastStep int
}

func NewScheduler(opt Optimizer, schedule Schedule) *Scheduler {
	s := &Scheduler{opt: opt, schedule: schedule, baseLR: opt.LR()}
	opt.SetLR(s.baseLR * schedule.Factor(0))
	return s
}

func (s *Scheduler) Step() {
	s.lastStep++
	s.opt.SetLR(s.baseLR * s.schedule.Factor(s.lastStep))
}

func (s *Scheduler) LastStep() int { return s.lastStep }
func (s *Scheduler) Name() string  { return s.schedule.Name() }

func (s *Scheduler) State() SchedulerState {
	return SchedulerState{Name: s.schedule.Name(), LastStep: s.lastStep, BaseLR: s.baseLR}
}

func (s *Scheduler) LoadState(st SchedulerState) error {
	if st.Name != s.schedule.Name() {
		return fmt.Errorf("%w: scheduler %q, want %q", ErrStateMismatch, st.Name, s.schedule.Name())
	}
	s.lastStep = st.LastStep
	if st.BaseLR > 0 {
		s.baseLR = st.BaseLR
	}
	s.opt.SetLR(s.baseLR * s.schedule.Factor(s.lastStep))
	return nil
}
