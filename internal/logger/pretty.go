package logger

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
	ansiRed   = "\033[31m"
	ansiAmber = "\033[33m"
	ansiGreen = "\033[32m"
	ansiCyan  = "\033[36m"
)

// Keys lifted out of the attribute list into the line prefix.
const (
	RankKey = "rank"
	StepKey = "step"
)

// PrettyHandler writes one line per record for an interactive training run:
//
//	12:04:05.120 INF r1 #000120 message loss=0.0132 elapsed=1.2s
//
// The rank and step attributes become fixed columns so progress lines from
// several replicas stay aligned. Floats print with four significant digits.
type PrettyHandler struct {
	w      io.Writer
	level  slog.Leveler
	color  bool
	mu     *sync.Mutex
	group  string
	rank   string
	step   string
	fields []byte
}

// NewPrettyHandler returns a colored handler. A nil opts logs at Info.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, level: slog.LevelInfo, color: true, mu: &sync.Mutex{}}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

// Plain disables ANSI escapes, for output that is not a terminal.
func (h *PrettyHandler) Plain() *PrettyHandler {
	c := h.clone()
	c.color = false
	return c
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	rank, step := h.rank, h.step
	var fields []byte
	r.Attrs(func(a slog.Attr) bool {
		switch {
		case h.group == "" && a.Key == RankKey:
			rank = a.Value.Resolve().String()
		case h.group == "" && a.Key == StepKey:
			step = a.Value.Resolve().String()
		default:
			fields = h.appendField(fields, h.group, a)
		}
		return true
	})

	buf := make([]byte, 0, 256)
	buf = h.paint(buf, ansiDim, r.Time.Format("15:04:05.000"))
	buf = append(buf, ' ')
	buf = h.paint(buf, levelColor(r.Level), levelTag(r.Level))
	if rank != "" {
		buf = append(buf, " r"...)
		buf = append(buf, rank...)
	}
	if step != "" {
		buf = append(buf, ' ')
		buf = h.paint(buf, ansiGreen, "#"+padStep(step))
	}
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)
	if len(h.fields)+len(fields) > 0 {
		all := append(append([]byte{}, h.fields...), fields...)
		buf = append(buf, ' ')
		buf = h.paint(buf, ansiCyan, string(all[1:]))
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		switch {
		case h.group == "" && a.Key == RankKey:
			c.rank = a.Value.Resolve().String()
		case h.group == "" && a.Key == StepKey:
			c.step = a.Value.Resolve().String()
		default:
			c.fields = c.appendField(c.fields, c.group, a)
		}
	}
	return c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	if c.group != "" {
		name = c.group + "." + name
	}
	c.group = name
	return c
}

func (h *PrettyHandler) clone() *PrettyHandler {
	c := *h
	c.fields = append([]byte(nil), h.fields...)
	return &c
}

func (h *PrettyHandler) paint(buf []byte, color, s string) []byte {
	if !h.color {
		return append(buf, s...)
	}
	buf = append(buf, color...)
	buf = append(buf, s...)
	return append(buf, ansiReset...)
}

// appendField writes " key=value" with the group prefix applied.
func (h *PrettyHandler) appendField(buf []byte, group string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, sub := range a.Value.Group() {
			buf = h.appendField(buf, key, sub)
		}
		return buf
	}
	buf = append(buf, ' ')
	buf = append(buf, key...)
	buf = append(buf, '=')
	return appendValue(buf, a.Value)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', 4, 64)
	case slog.KindDuration:
		return append(buf, roundDuration(v.Duration()).String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " \t\n\"=") {
			return strconv.AppendQuote(buf, s)
		}
		return append(buf, s...)
	default:
		return append(buf, v.String()...)
	}
}

func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond)
	default:
		return d
	}
}

func padStep(s string) string {
	if len(s) >= 6 {
		return s
	}
	return strings.Repeat("0", 6-len(s)) + s
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERR"
	case l >= slog.LevelWarn:
		return "WRN"
	case l >= slog.LevelInfo:
		return "INF"
	default:
		return "DBG"
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return ansiRed
	case l >= slog.LevelWarn:
		return ansiAmber
	default:
		return ansiDim
	}
}
