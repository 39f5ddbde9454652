// Package telemetry buffers training scalars, images and configuration and
// flushes them to pluggable sinks.
package telemetry

import (
	"errors"
	"image"
	"maps"
	"sync"
	"time"
)

// Well-known event names.
const (
	IterTrainTime        = "Train Iter (time)"
	TotalTrainTime       = "Train Total (time)"
	ETA                  = "ETA (time)"
	TrainRaysPerSec      = "Train Rays / Sec"
	TestRaysPerSec       = "Test Rays / Sec"
	ViewerRaysPerSec     = "Viewer Rays / Sec"
	TrainLoss            = "Train Loss"
	TrainLossDict        = "Train Loss Dict"
	TrainMetricsDict     = "Train Metrics Dict"
	EvalLoss             = "Eval Loss"
	EvalLossDict         = "Eval Loss Dict"
	EvalMetricsDict      = "Eval Metrics Dict"
	EvalImagesMetrics    = "Eval Images Metrics"
	EvalImagesMetricsAll = "Eval Images Metrics Dict (all images)"
	EvalImagesPrefix     = "Eval Images/"
	GPUMemory            = "GPU Memory (MB)"
	PlaneDifference      = "Plane Difference"
	SurfacePlane         = "Surface Plane"
	SurfaceIntersections = "Surface Intersections"
)

// Kind tags an Event.
type Kind int

const (
	KindScalar Kind = iota
	KindDict
	KindImage
	KindConfig
)

// Event is one buffered telemetry record.
type Event struct {
	Kind   Kind
	Name   string
	Step   int
	Scalar float64
	Dict   map[string]float64
	Image  image.Image
	Config any
}

// Sink receives flushed events.
type Sink interface {
	Write(events []Event) error
	Close() error
}

// Config controls buffering.
type Config struct {
	// MaxBufferSize is the window for averaged timings.
	MaxBufferSize int `yaml:"max_buffer_size" json:"max_buffer_size"`
	// MaxIterations is used to estimate the remaining time.
	MaxIterations int `yaml:"-" json:"-"`
}

// Telemetry is the handle through which the trainer records measurements. It
// is constructed once per process and passed down.
type Telemetry struct {
	mu      sync.Mutex
	cfg     Config
	sinks   []Sink
	events  []Event
	windows map[string][]float64
}

func New(cfg Config, sinks ...Sink) *Telemetry {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = 20
	}
	return &Telemetry{
		cfg:     cfg,
		sinks:   sinks,
		windows: map[string][]float64{},
	}
}

// SetMaxIterations sets the horizon used for the ETA estimate.
func (t *Telemetry) SetMaxIterations(n int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.cfg.MaxIterations = n
	t.mu.Unlock()
}

func (t *Telemetry) put(e Event) {
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

func (t *Telemetry) PutScalar(name string, value float64, step int) {
	if t == nil {
		return
	}
	t.put(Event{Kind: KindScalar, Name: name, Step: step, Scalar: value})
}

func (t *Telemetry) PutDict(name string, values map[string]float64, step int) {
	if t == nil {
		return
	}
	t.put(Event{Kind: KindDict, Name: name, Step: step, Dict: maps.Clone(values)})
}

func (t *Telemetry) PutImage(name string, img image.Image, step int) {
	if t == nil {
		return
	}
	t.put(Event{Kind: KindImage, Name: name, Step: step, Image: img})
}

func (t *Telemetry) PutConfig(name string, cfg any, step int) {
	if t == nil {
		return
	}
	t.put(Event{Kind: KindConfig, Name: name, Step: step, Config: cfg})
}

// PutTime records a timing or rate. With avgOverSteps the recorded value is the
// mean of the last MaxBufferSize values for name. Recording IterTrainTime also
// records the ETA in seconds.
func (t *Telemetry) PutTime(name string, value float64, step int, avgOverSteps bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if avgOverSteps {
		w := append(t.windows[name], value)
		if len(w) > t.cfg.MaxBufferSize {
			w = w[len(w)-t.cfg.MaxBufferSize:]
		}
		t.windows[name] = w
		var sum float64
		for _, v := range w {
			sum += v
		}
		value = sum / float64(len(w))
	}
	t.events = append(t.events, Event{Kind: KindScalar, Name: name, Step: step, Scalar: value})

	if name == IterTrainTime && t.cfg.MaxIterations > 0 {
		remaining := max(0, t.cfg.MaxIterations-step)
		t.events = append(t.events, Event{Kind: KindScalar, Name: ETA, Step: step, Scalar: float64(remaining) * value})
	}
}

// Pending returns the number of buffered events.
func (t *Telemetry) Pending() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// WriteOutStorage flushes buffered events to every sink and clears the buffer.
func (t *Telemetry) WriteOutStorage() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	events := t.events
	t.events = nil
	t.mu.Unlock()

	if len(events) == 0 {
		return nil
	}
	var errs []error
	for _, s := range t.sinks {
		if err := s.Write(events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending events and closes the sinks.
func (t *Telemetry) Close() error {
	if t == nil {
		return nil
	}
	errs := []error{t.WriteOutStorage()}
	for _, s := range t.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Timer measures a duration and optionally records it.
type Timer struct {
	tel   *Telemetry
	name  string
	step  int
	write bool
	start time.Time
}

// StartTimer begins timing. When write is set, Stop records the elapsed
// seconds under name, averaged over steps.
func (t *Telemetry) StartTimer(name string, step int, write bool) *Timer {
	return &Timer{tel: t, name: name, step: step, write: write, start: time.Now()}
}

// Stop returns the elapsed time since StartTimer.
func (tm *Timer) Stop() time.Duration {
	d := time.Since(tm.start)
	if tm.write {
		tm.tel.PutTime(tm.name, d.Seconds(), tm.step, true)
	}
	return d
}
