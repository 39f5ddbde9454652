package telemetry

import (
	"bufio"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// EventFileSink appends scalar, dict and config events as JSON lines to
// events.jsonl and writes images as PNG under images/<name>/.
type EventFileSink struct {
	mu  sync.Mutex
	dir string
	f   *os.File
	w   *bufio.Writer
	enc *json.Encoder
}

type eventRecord struct {
	Time   time.Time          `json:"time"`
	Kind   string             `json:"kind"`
	Name   string             `json:"name"`
	Step   int                `json:"step"`
	Value  *float64           `json:"value,omitempty"`
	Values map[string]float64 `json:"values,omitempty"`
	Config any                `json:"config,omitempty"`
	Path   string             `json:"path,omitempty"`
}

// NewEventFileSink creates dir if needed and opens dir/events.jsonl for append.
func NewEventFileSink(dir string) (*EventFileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open event file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &EventFileSink{dir: dir, f: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (s *EventFileSink) Write(events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, e := range events {
		rec := eventRecord{Time: now, Name: e.Name, Step: e.Step}
		switch e.Kind {
		case KindScalar:
			v := e.Scalar
			rec.Kind, rec.Value = "scalar", &v
		case KindDict:
			rec.Kind, rec.Values = "dict", e.Dict
		case KindConfig:
			rec.Kind, rec.Config = "config", e.Config
		case KindImage:
			path, err := s.writeImage(e)
			if err != nil {
				return err
			}
			rec.Kind, rec.Path = "image", path
		}
		if err := s.enc.Encode(rec); err != nil {
			return fmt.Errorf("telemetry: encode event %q: %w", e.Name, err)
		}
	}
	return s.w.Flush()
}

func (s *EventFileSink) writeImage(e Event) (string, error) {
	rel := filepath.Join("images", sanitize(e.Name), fmt.Sprintf("step-%09d.png", e.Step))
	path := filepath.Join(s.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("telemetry: create image dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("telemetry: create image: %w", err)
	}
	if err := png.Encode(f, e.Image); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("telemetry: encode image %q: %w", e.Name, err)
	}
	return rel, f.Close()
}

func (s *EventFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}

func sanitize(name string) string {
	r := strings.NewReplacer("/", "_", " ", "_", "(", "", ")", "")
	return r.Replace(name)
}
