package telemetry

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/samcharles93/lumen/internal/logger"
)

var consoleTracked = []string{IterTrainTime, TrainRaysPerSec, TestRaysPerSec, ETA}

// ConsoleSink logs a one-line summary of the tracked scalars and the training
// loss for every flushed step. Everything else goes to Debug.
type ConsoleSink struct {
	log logger.Logger
}

func NewConsoleSink(log logger.Logger) *ConsoleSink {
	return &ConsoleSink{log: log}
}

func (s *ConsoleSink) Write(events []Event) error {
	steps := map[int][]any{}
	var order []int
	for _, e := range events {
		switch e.Kind {
		case KindScalar:
			if !slices.Contains(consoleTracked, e.Name) && e.Name != TrainLoss {
				s.log.Debug("scalar", "name", e.Name, "step", e.Step, "value", e.Scalar)
				continue
			}
			if _, ok := steps[e.Step]; !ok {
				order = append(order, e.Step)
			}
			steps[e.Step] = append(steps[e.Step], attrKey(e.Name), formatScalar(e.Name, e.Scalar))
		case KindDict:
			s.log.Debug("dict", "name", e.Name, "step", e.Step, "values", formatDict(e.Dict))
		case KindConfig:
			s.log.Debug("config recorded", "name", e.Name)
		}
	}
	for _, step := range order {
		args := append([]any{"step", step}, steps[step]...)
		s.log.Info("train", args...)
	}
	return nil
}

func (s *ConsoleSink) Close() error { return nil }

func attrKey(name string) string {
	r := strings.NewReplacer(" / ", "_per_", " (time)", "", " ", "_")
	return strings.ToLower(r.Replace(name))
}

func formatScalar(name string, v float64) string {
	switch {
	case strings.HasSuffix(name, "(time)"):
		return (time.Duration(v * float64(time.Second))).Round(time.Millisecond).String()
	case strings.Contains(name, "Rays / Sec"):
		return humanRate(v)
	default:
		return fmt.Sprintf("%.4g", v)
	}
}

func humanRate(v float64) string {
	switch {
	case v >= 1e6:
		return fmt.Sprintf("%.2f M", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%.2f K", v/1e3)
	default:
		return fmt.Sprintf("%.2f", v)
	}
}

func formatDict(d map[string]float64) string {
	var b strings.Builder
	for i, k := range slices.Sorted(maps.Keys(d)) {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%.4g", k, d[k])
	}
	return b.String()
}
