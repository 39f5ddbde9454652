package optim

// OptimizerConfig describes one optimizer.
type OptimizerConfig struct {
	Type        string  `yaml:"type" json:"type"`
	LR          float64 `yaml:"lr" json:"lr"`
	Eps         float64 `yaml:"eps" json:"eps"`
	WeightDecay float64 `yaml:"weight_decay" json:"weight_decay"`
	Momentum    float64 `yaml:"momentum" json:"momentum"`
	// MaxNorm clips the group's gradient norm before the step when positive.
	MaxNorm float64 `yaml:"max_norm" json:"max_norm"`
}

// SchedulerConfig describes one learning-rate schedule.
type SchedulerConfig struct {
	Type        string  `yaml:"type" json:"type"`
	LRPreWarmup float64 `yaml:"lr_pre_warmup" json:"lr_pre_warmup"`
	LRFinal     float64 `yaml:"lr_final" json:"lr_final"`
	WarmupSteps int     `yaml:"warmup_steps" json:"warmup_steps"`
	MaxSteps    int     `yaml:"max_steps" json:"max_steps"`
	Ramp        string  `yaml:"ramp" json:"ramp"`
	Milestones  []int   `yaml:"milestones" json:"milestones"`
	Gamma       float64 `yaml:"gamma" json:"gamma"`
	Alpha       float64 `yaml:"alpha" json:"alpha"`
	StepSize    int     `yaml:"step_size" json:"step_size"`
}

// GroupConfig pairs an optimizer with an optional scheduler for a parameter group.
type GroupConfig struct {
	Optimizer OptimizerConfig  `yaml:"optimizer" json:"optimizer"`
	Scheduler *SchedulerConfig `yaml:"scheduler,omitempty" json:"scheduler,omitempty"`
}
