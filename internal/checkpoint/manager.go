package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/samcharles93/lumen/internal/logger"
	"github.com/samcharles93/lumen/internal/version"
)

var fileRe = regexp.MustCompile(`^step-(\d+)\.ckpt$`)

// FileName returns the checkpoint file name for step.
func FileName(step int) string {
	return fmt.Sprintf("step-%09d.ckpt", step)
}

// Config controls where and how checkpoints are written.
type Config struct {
	Dir            string
	SaveOnlyLatest bool
	Format         string
}

// Manager writes checkpoints for one training run.
type Manager struct {
	cfg   Config
	runID string
	log   logger.Logger
}

func NewManager(cfg Config, log logger.Logger) (*Manager, error) {
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.Format != FormatJSON && cfg.Format != FormatProto {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, cfg.Format)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{cfg: cfg, runID: uuid.NewString(), log: log}, nil
}

func (m *Manager) Dir() string   { return m.cfg.Dir }
func (m *Manager) RunID() string { return m.runID }

// Save writes c atomically to Dir/step-N.ckpt and, in latest-only mode,
// removes the older step-N.ckpt files once the new one is in place.
func (m *Manager) Save(c *Checkpoint) (string, error) {
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create dir: %w", err)
	}
	c.Metadata = Metadata{
		RunID:     m.runID,
		Version:   version.String(),
		CreatedAt: time.Now().UTC(),
		Format:    m.cfg.Format,
	}
	data, err := Encode(c, m.cfg.Format)
	if err != nil {
		return "", err
	}

	path := filepath.Join(m.cfg.Dir, FileName(c.Step))
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("checkpoint: verify %s: %w", path, err)
	}
	m.log.Debug("saved checkpoint", "path", path, "step", c.Step, "size", units.HumanSize(float64(info.Size())))

	if m.cfg.SaveOnlyLatest {
		if err := prune(m.cfg.Dir, filepath.Base(path)); err != nil {
			return path, err
		}
	}
	return path, nil
}

func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint: rename to %s: %w", path, err)
	}
	return nil
}

func prune(dir, keep string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("checkpoint: list %s: %w", dir, err)
	}
	var errs []error
	for _, e := range entries {
		if e.Name() == keep || !e.Type().IsRegular() || !fileRe.MatchString(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("checkpoint: prune %s: %w", dir, errors.Join(errs...))
	}
	return nil
}

// LoadSource names the checkpoint to resume from. File takes precedence over
// Dir; with Dir, Step selects a step and nil means the latest.
type LoadSource struct {
	File string
	Dir  string
	Step *int
}

func (s LoadSource) IsZero() bool { return s.File == "" && s.Dir == "" }

// Resolve returns the checkpoint path for src. It returns "" and no error
// when src is empty, and ErrNotFound when src names a missing checkpoint.
func Resolve(src LoadSource) (string, error) {
	switch {
	case src.File != "":
		if _, err := os.Stat(src.File); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, src.File)
		}
		return src.File, nil
	case src.Dir != "":
		step := 0
		if src.Step != nil {
			step = *src.Step
		} else {
			latest, err := Latest(src.Dir)
			if err != nil {
				return "", err
			}
			step = latest
		}
		path := filepath.Join(src.Dir, FileName(step))
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return path, nil
	default:
		return "", nil
	}
}

// Latest returns the largest step with a checkpoint file in dir.
func Latest(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return 0, fmt.Errorf("checkpoint: list %s: %w", dir, err)
	}
	latest := -1
	for _, e := range entries {
		m := fileRe.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		step, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		latest = max(latest, step)
	}
	if latest < 0 {
		return 0, fmt.Errorf("%w: no checkpoints in %s", ErrNotFound, dir)
	}
	return latest, nil
}

// Load reads and decodes the checkpoint at path.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	c, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
