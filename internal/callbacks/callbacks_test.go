package callbacks

import (
	"errors"
	"slices"
	"testing"
)

func TestRegistryRunsInOrderAtCadence(t *testing.T) {
	t.Parallel()

	var calls []string
	record := func(name string) Func {
		return func(step int, _ *Context) { calls = append(calls, name) }
	}
	r, err := NewRegistry(&Context{},
		Callback{Name: "dm", Locations: []Location{BeforeTrainIteration}, UpdateEveryNumIters: 1, Func: record("dm")},
		Callback{Name: "model", Locations: []Location{BeforeTrainIteration, AfterTrainIteration}, UpdateEveryNumIters: 2, Func: record("model")},
		Callback{Name: "once", Locations: []Location{AfterTrain}, Iters: []int{5}, Func: record("once")},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	r.Run(2, BeforeTrainIteration)
	r.Run(3, BeforeTrainIteration)
	r.Run(3, AfterTrainIteration)
	r.Run(4, AfterTrainIteration)
	r.Run(4, AfterTrain)
	r.Run(5, AfterTrain)

	want := []string{"dm", "model", "dm", "model", "once"}
	if !slices.Equal(calls, want) {
		t.Fatalf("calls: got %v want %v", calls, want)
	}
}

func TestRegistryRejectsInvalidCallbacks(t *testing.T) {
	t.Parallel()

	noop := func(int, *Context) {}
	cases := []Callback{
		{Name: "nofunc", Locations: []Location{AfterTrain}, UpdateEveryNumIters: 1},
		{Name: "nolocation", Func: noop, UpdateEveryNumIters: 1},
		{Name: "nocadence", Func: noop, Locations: []Location{AfterTrain}},
		{Name: "both", Func: noop, Locations: []Location{AfterTrain}, UpdateEveryNumIters: 1, Iters: []int{1}},
	}
	for _, cb := range cases {
		if _, err := NewRegistry(nil, cb); !errors.Is(err, ErrInvalidCallback) {
			t.Fatalf("%s: expected ErrInvalidCallback, got %v", cb.Name, err)
		}
	}
}

func TestCallbackSeesContext(t *testing.T) {
	t.Parallel()

	ctx := &Context{}
	var got *Context
	r, err := NewRegistry(ctx, Callback{
		Locations:           []Location{AfterTrainIteration},
		UpdateEveryNumIters: 10,
		Func:                func(_ int, c *Context) { got = c },
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	r.Run(0, AfterTrainIteration)
	if got != ctx {
		t.Fatalf("callback context: got %p want %p", got, ctx)
	}
}
