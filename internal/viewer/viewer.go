// Package viewer serves a small web UI for a running trainer: the training
// state, pause and resume, renders from the dataset cameras and the
// Prometheus metrics.
package viewer

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/lumen/internal/engine"
	"github.com/samcharles93/lumen/internal/geometry"
	"github.com/samcharles93/lumen/internal/logger"
	"github.com/samcharles93/lumen/internal/scene"
)

//go:embed static/index.html
var indexHTML []byte

var ErrNotAttached = errors.New("viewer: no trainer attached")

// Controller is the trainer as seen by the viewer.
type Controller interface {
	TrainingState() engine.TrainingState
	SetTrainingState(engine.TrainingState)
	TrainLock() sync.Locker
}

// Renderer renders a full camera without gradient tracking.
type Renderer interface {
	OutputsForCameraRayBundle(rays scene.RayBundle) (scene.Outputs, error)
}

type Config struct {
	Address string
	// Registry receives the viewer metrics and backs /metrics. A private
	// registry is used when nil.
	Registry *prometheus.Registry
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Session      string `json:"session"`
	State        string `json:"state"`
	Step         int    `json:"step"`
	RaysPerBatch int    `json:"rays_per_batch"`
	TrainCameras int    `json:"train_cameras"`
	EvalCameras  int    `json:"eval_cameras"`
	Complete     bool   `json:"complete"`
}

// Server implements engine.Viewer over HTTP.
type Server struct {
	cfg       Config
	renderer  Renderer
	log       logger.Logger
	sessionID string
	e         *echo.Echo

	mu           sync.Mutex
	ctrl         Controller
	train, eval  []scene.Camera
	step         int
	raysPerBatch int
	complete     bool
	serveErr     error

	stepGauge prometheus.Gauge
	renders   prometheus.Counter
	renderDur prometheus.Histogram
}

func New(cfg Config, renderer Renderer, log logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	s := &Server{
		cfg:       cfg,
		renderer:  renderer,
		log:       log,
		sessionID: uuid.NewString(),
		stepGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lumen",
			Subsystem: "viewer",
			Name:      "step",
			Help:      "Latest step reported to the viewer.",
		}),
		renders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lumen",
			Subsystem: "viewer",
			Name:      "renders_total",
			Help:      "Camera renders served.",
		}),
		renderDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lumen",
			Subsystem: "viewer",
			Name:      "render_seconds",
			Help:      "Time to render one camera, including the wait for the train lock.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	for _, c := range []prometheus.Collector{s.stepGauge, s.renders, s.renderDur} {
		if err := cfg.Registry.Register(c); err != nil {
			return nil, fmt.Errorf("viewer: register metrics: %w", err)
		}
	}

	s.e = echo.New()
	s.e.Use(middleware.Recover())
	s.Register(s.e)
	return s, nil
}

// Attach connects the trainer. Pause, resume and render answer 503 until then.
func (s *Server) Attach(ctrl Controller) {
	s.mu.Lock()
	s.ctrl = ctrl
	s.mu.Unlock()
}

func (s *Server) Session() string { return s.sessionID }

// Handler exposes the routes, mostly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Register(e *echo.Echo) {
	e.GET("/", s.handleIndex)
	e.GET("/api/state", s.handleState)
	e.POST("/api/pause", s.handlePause)
	e.POST("/api/resume", s.handleResume)
	e.GET("/api/render", s.handleRender)
	e.GET("/metrics", s.handleMetrics)
}

// Run serves until ctx is cancelled. A serve failure is also reported by the
// next UpdateScene.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting viewer", "address", s.cfg.Address, "session", s.sessionID)
	sc := echo.StartConfig{
		Address: s.cfg.Address,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	err := sc.Start(ctx, s.e)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.serveErr = err
		s.mu.Unlock()
		return fmt.Errorf("viewer: %w", err)
	}
	return nil
}

func (s *Server) InitScene(train, eval *scene.Dataset, state engine.TrainingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if train != nil {
		s.train = train.Cameras()
	}
	if eval != nil {
		s.eval = eval.Cameras()
	}
	s.log.Debug("viewer scene initialised", "train_cameras", len(s.train), "eval_cameras", len(s.eval), "state", state)
	return nil
}

func (s *Server) UpdateScene(step, raysPerBatch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = step
	s.raysPerBatch = raysPerBatch
	s.stepGauge.Set(float64(step))
	return s.serveErr
}

func (s *Server) TrainingComplete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = true
	return s.serveErr
}

func (s *Server) controller() Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

func writeError(c *echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

func (s *Server) handleIndex(c *echo.Context) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/html; charset=utf-8")
	res.WriteHeader(http.StatusOK)
	_, err := res.Write(indexHTML)
	return err
}

func (s *Server) state() StateResponse {
	ctrl := s.controller()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := StateResponse{
		Session:      s.sessionID,
		Step:         s.step,
		RaysPerBatch: s.raysPerBatch,
		TrainCameras: len(s.train),
		EvalCameras:  len(s.eval),
		Complete:     s.complete,
	}
	if ctrl != nil {
		st.State = ctrl.TrainingState().String()
	}
	return st
}

func (s *Server) handleState(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.state())
}

func (s *Server) setState(c *echo.Context, want engine.TrainingState) error {
	ctrl := s.controller()
	if ctrl == nil {
		return writeError(c, http.StatusServiceUnavailable, ErrNotAttached.Error())
	}
	if ctrl.TrainingState() == engine.StateCompleted {
		return writeError(c, http.StatusConflict, "training has completed")
	}
	ctrl.SetTrainingState(want)
	s.log.Info("viewer changed training state", "state", want)
	return c.JSON(http.StatusOK, s.state())
}

func (s *Server) handlePause(c *echo.Context) error {
	return s.setState(c, engine.StatePaused)
}

func (s *Server) handleResume(c *echo.Context) error {
	return s.setState(c, engine.StateTraining)
}

func (s *Server) camera(split string, idx int) (scene.Camera, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cams := s.train
	if split == "eval" {
		cams = s.eval
	}
	if idx < 0 || idx >= len(cams) {
		return scene.Camera{}, false
	}
	return cams[idx], true
}

func (s *Server) handleRender(c *echo.Context) error {
	ctrl := s.controller()
	if ctrl == nil || s.renderer == nil {
		return writeError(c, http.StatusServiceUnavailable, ErrNotAttached.Error())
	}
	idx, err := strconv.Atoi(c.QueryParam("camera"))
	if err != nil {
		return writeError(c, http.StatusBadRequest, "camera must be an integer")
	}
	split := c.QueryParam("split")
	if split != "" && split != "train" && split != "eval" {
		return writeError(c, http.StatusBadRequest, "split must be train or eval")
	}
	cam, ok := s.camera(split, idx)
	if !ok {
		return writeError(c, http.StatusNotFound, fmt.Sprintf("no camera %d", idx))
	}

	start := time.Now()
	rays := scene.CameraRays(cam, idx)
	lock := ctrl.TrainLock()
	lock.Lock()
	out, err := s.renderer.OutputsForCameraRayBundle(rays)
	lock.Unlock()
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	s.renderDur.Observe(time.Since(start).Seconds())
	s.renders.Inc()

	var buf bytes.Buffer
	if err := png.Encode(&buf, toImage(out.RGB, cam.Width, cam.Height)); err != nil {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "image/png")
	res.Header().Set("Cache-Control", "no-store")
	res.WriteHeader(http.StatusOK)
	_, err = res.Write(buf.Bytes())
	return err
}

func (s *Server) handleMetrics(c *echo.Context) error {
	promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Response(), c.Request())
	return nil
}

// toImage lays out row-major colours as a w×h image.
func toImage(rgb []geometry.Vec3, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	q := func(v float64) uint8 { return uint8(math.Round(255 * math.Min(1, math.Max(0, v)))) }
	for i, c := range rgb {
		if i >= w*h {
			break
		}
		img.SetRGBA(i%w, i/w, color.RGBA{R: q(c[0]), G: q(c[1]), B: q(c[2]), A: 255})
	}
	return img
}
