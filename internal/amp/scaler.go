// Package amp implements dynamic loss scaling for mixed precision training.
package amp

import (
	"errors"
	"fmt"

	"github.com/samcharles93/lumen/internal/param"
)

// Config controls the scaler. A disabled scaler behaves as a constant scale of 1.
type Config struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	InitScale      float64 `yaml:"init_scale" json:"init_scale"`
	GrowthFactor   float64 `yaml:"growth_factor" json:"growth_factor"`
	BackoffFactor  float64 `yaml:"backoff_factor" json:"backoff_factor"`
	GrowthInterval int     `yaml:"growth_interval" json:"growth_interval"`
}

// DefaultConfig returns the usual dynamic scaling constants.
func DefaultConfig() Config {
	return Config{
		InitScale:      65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// Stepper is an optimizer as seen by the scaler.
type Stepper interface {
	Step()
	Params() []*param.Parameter
}

// State is the serialisable scaler state.
type State struct {
	Enabled        bool    `json:"enabled"`
	Scale          float64 `json:"scale"`
	GrowthFactor   float64 `json:"growth_factor"`
	BackoffFactor  float64 `json:"backoff_factor"`
	GrowthInterval int     `json:"growth_interval"`
	GrowthTracker  int     `json:"growth_tracker"`
}

var ErrInvalidState = errors.New("amp: invalid scaler state")

// GradScaler multiplies losses by a dynamic factor before backward, unscales
// gradients before the optimizer step, skips steps whose gradients overflowed
// and adapts the factor in Update.
type GradScaler struct {
	cfg           Config
	scale         float64
	growthTracker int

	unscaled map[Stepper]bool
	foundInf map[Stepper]bool
}

func NewGradScaler(cfg Config) *GradScaler {
	def := DefaultConfig()
	if cfg.InitScale <= 0 {
		cfg.InitScale = def.InitScale
	}
	if cfg.GrowthFactor <= 1 {
		cfg.GrowthFactor = def.GrowthFactor
	}
	if cfg.BackoffFactor <= 0 || cfg.BackoffFactor >= 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.GrowthInterval <= 0 {
		cfg.GrowthInterval = def.GrowthInterval
	}
	return &GradScaler{
		cfg:      cfg,
		scale:    cfg.InitScale,
		unscaled: map[Stepper]bool{},
		foundInf: map[Stepper]bool{},
	}
}

func (s *GradScaler) Enabled() bool { return s.cfg.Enabled }

// GetScale returns the current factor, 1 when disabled.
func (s *GradScaler) GetScale() float64 {
	if !s.cfg.Enabled {
		return 1
	}
	return s.scale
}

// Scale returns the loss multiplied by the current factor.
func (s *GradScaler) Scale(l param.Loss) param.Loss {
	if !s.cfg.Enabled {
		return l
	}
	return l.Scale(s.scale)
}

// Unscale divides the optimizer's gradients by the current factor in place and
// records whether any of them are non-finite. Calling it twice for the same
// optimizer before Update is a no-op.
func (s *GradScaler) Unscale(opt Stepper) {
	if !s.cfg.Enabled || s.unscaled[opt] {
		return
	}
	inv := 1 / s.scale
	found := false
	for _, p := range opt.Params() {
		for i := range p.Grad {
			p.Grad[i] *= inv
		}
		if !p.Finite() {
			found = true
		}
	}
	s.unscaled[opt] = true
	s.foundInf[opt] = found
}

// Step unscales (if needed) and steps the optimizer unless its gradients
// contain inf or NaN. It reports whether the step ran.
func (s *GradScaler) Step(opt Stepper) bool {
	if !s.cfg.Enabled {
		opt.Step()
		return true
	}
	s.Unscale(opt)
	if s.foundInf[opt] {
		return false
	}
	opt.Step()
	return true
}

// Update adapts the factor: back off when any optimizer saw an overflow since
// the last update, grow after GrowthInterval consecutive clean updates.
func (s *GradScaler) Update() {
	if !s.cfg.Enabled {
		return
	}
	overflow := false
	for _, f := range s.foundInf {
		overflow = overflow || f
	}
	if overflow {
		s.scale *= s.cfg.BackoffFactor
		s.growthTracker = 0
	} else {
		s.growthTracker++
		if s.growthTracker == s.cfg.GrowthInterval {
			s.scale *= s.cfg.GrowthFactor
			s.growthTracker = 0
		}
	}
	clear(s.unscaled)
	clear(s.foundInf)
}

func (s *GradScaler) State() State {
	return State{
		Enabled:        s.cfg.Enabled,
		Scale:          s.scale,
		GrowthFactor:   s.cfg.GrowthFactor,
		BackoffFactor:  s.cfg.BackoffFactor,
		GrowthInterval: s.cfg.GrowthInterval,
		GrowthTracker:  s.growthTracker,
	}
}

// LoadState restores the factor and growth tracker. A state saved by a
// disabled scaler leaves the current state untouched.
func (s *GradScaler) LoadState(st State) error {
	if !st.Enabled {
		return nil
	}
	if st.Scale <= 0 || st.GrowthTracker < 0 {
		return fmt.Errorf("%w: scale=%v growth_tracker=%d", ErrInvalidState, st.Scale, st.GrowthTracker)
	}
	s.scale = st.Scale
	s.growthTracker = st.GrowthTracker
	if st.GrowthFactor > 1 {
		s.cfg.GrowthFactor = st.GrowthFactor
	}
	if st.BackoffFactor > 0 && st.BackoffFactor < 1 {
		s.cfg.BackoffFactor = st.BackoffFactor
	}
	if st.GrowthInterval > 0 {
		s.cfg.GrowthInterval = st.GrowthInterval
	}
	return nil
}
