// Package distributed provides the collective operations used by data-parallel
// training replicas.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrSizeMismatch = errors.New("distributed: buffer size mismatch across ranks")
	// ErrAborted is returned by every collective once a rank's context was
	// cancelled while the group was waiting. The group is unusable afterwards.
	ErrAborted = errors.New("distributed: group aborted")
)

// Group is a set of replicas that take part in collectives. Every member must
// call each collective in the same order.
type Group interface {
	Rank() int
	WorldSize() int
	Barrier(ctx context.Context) error
	// AllReduceMean replaces data on every rank with the element-wise mean.
	AllReduceMean(ctx context.Context, data []float64) error
	// Broadcast replaces data on every rank with root's data.
	Broadcast(ctx context.Context, data []float64, root int) error
}

// Local is the single-replica group.
type Local struct{}

func (Local) Rank() int                                               { return 0 }
func (Local) WorldSize() int                                          { return 1 }
func (Local) Barrier(ctx context.Context) error                       { return ctx.Err() }
func (Local) AllReduceMean(ctx context.Context, _ []float64) error    { return ctx.Err() }
func (Local) Broadcast(ctx context.Context, _ []float64, _ int) error { return ctx.Err() }

// IsMain reports whether g's rank is 0.
func IsMain(g Group) bool { return g == nil || g.Rank() == 0 }

// hub synchronises the ranks of an in-process group. Each collective runs in
// two phases: every rank deposits its buffer, the last arrival combines them,
// then every rank copies the result out before the next collective may start.
type hub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	world    int
	gen      uint64
	arrived  int
	departed int
	draining bool
	bufs     [][]float64
	result   []float64
	err      error
	aborted  error
}

// NewInProcess returns world groups sharing one hub, for replicas running as
// goroutines of a single process.
func NewInProcess(world int) []Group {
	if world < 1 {
		world = 1
	}
	h := &hub{world: world, bufs: make([][]float64, world)}
	h.cond = sync.NewCond(&h.mu)
	groups := make([]Group, world)
	for r := range world {
		groups[r] = &member{hub: h, rank: r}
	}
	return groups
}

type member struct {
	hub  *hub
	rank int
}

func (m *member) Rank() int      { return m.rank }
func (m *member) WorldSize() int { return m.hub.world }

func (m *member) Barrier(ctx context.Context) error {
	return m.hub.exchange(ctx, m.rank, nil, func([][]float64) ([]float64, error) { return nil, nil })
}

func (m *member) AllReduceMean(ctx context.Context, data []float64) error {
	return m.hub.exchange(ctx, m.rank, data, func(bufs [][]float64) ([]float64, error) {
		out := make([]float64, len(bufs[0]))
		for r, b := range bufs {
			if len(b) != len(out) {
				return nil, fmt.Errorf("%w: rank %d has %d values, rank 0 has %d", ErrSizeMismatch, r, len(b), len(out))
			}
			for i, v := range b {
				out[i] += v
			}
		}
		inv := 1 / float64(len(bufs))
		for i := range out {
			out[i] *= inv
		}
		return out, nil
	})
}

func (m *member) Broadcast(ctx context.Context, data []float64, root int) error {
	if root < 0 || root >= m.hub.world {
		return fmt.Errorf("distributed: broadcast root %d out of range", root)
	}
	return m.hub.exchange(ctx, m.rank, data, func(bufs [][]float64) ([]float64, error) {
		for r, b := range bufs {
			if len(b) != len(bufs[root]) {
				return nil, fmt.Errorf("%w: rank %d has %d values, root has %d", ErrSizeMismatch, r, len(b), len(bufs[root]))
			}
		}
		return append([]float64(nil), bufs[root]...), nil
	})
}

func (h *hub) exchange(ctx context.Context, rank int, data []float64, combine func([][]float64) ([]float64, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		h.mu.Lock()
		if h.aborted == nil {
			h.aborted = fmt.Errorf("%w: rank %d: %w", ErrAborted, rank, context.Cause(ctx))
		}
		h.cond.Broadcast()
		h.mu.Unlock()
	})
	defer stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	for h.draining && h.aborted == nil {
		h.cond.Wait()
	}
	if h.aborted != nil {
		return h.aborted
	}
	h.bufs[rank] = append(h.bufs[rank][:0], data...)
	h.arrived++
	gen := h.gen
	if h.arrived == h.world {
		h.result, h.err = combine(h.bufs)
		h.arrived = 0
		h.departed = 0
		h.draining = true
		h.gen++
		h.cond.Broadcast()
	} else {
		for gen == h.gen && h.aborted == nil {
			h.cond.Wait()
		}
		if gen == h.gen {
			return h.aborted
		}
	}

	err := h.err
	if err == nil {
		copy(data, h.result)
	}
	h.departed++
	if h.departed == h.world {
		h.draining = false
		h.cond.Broadcast()
	}
	return err
}
