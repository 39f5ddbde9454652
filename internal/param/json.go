package param

import (
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// MarshalJSON writes each tensor as an array of numbers. Non-finite entries,
// which a diverged run produces, are written as the strings "NaN", "Inf" and
// "-Inf" so the state can still be checkpointed and inspected.
func (s State) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	out := make(map[string][]jsonFloat, len(s))
	for k, v := range s {
		fs := make([]jsonFloat, len(v))
		for i, x := range v {
			fs[i] = jsonFloat(x)
		}
		out[k] = fs
	}
	return json.Marshal(out)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw map[string][]jsonFloat
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = nil
		return nil
	}
	out := make(State, len(raw))
	for k, fs := range raw {
		v := make([]float64, len(fs))
		for i, f := range fs {
			v[i] = float64(f)
		}
		out[k] = v
	}
	*s = out
	return nil
}

type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	x := float64(f)
	switch {
	case math.IsNaN(x):
		return []byte(`"NaN"`), nil
	case math.IsInf(x, 1):
		return []byte(`"Inf"`), nil
	case math.IsInf(x, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, x, 'g', -1, 64), nil
}

func (f *jsonFloat) UnmarshalJSON(data []byte) error {
	text := string(data)
	if len(data) > 1 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		text = s
	}
	x, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("param: bad tensor value %s", data)
	}
	*f = jsonFloat(x)
	return nil
}
