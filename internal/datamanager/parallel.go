package datamanager

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/lumen/internal/scene"
)

type trainBatch struct {
	rays  scene.RayBundle
	batch scene.Batch
}

// Parallel prefetches training batches on NumWorkers goroutines into a queue
// of QueueSize batches. Evaluation data is served like Vanilla.
//
// Batch k is drawn from a stream seeded by (seed, rank, k), so the multiset of
// batches is reproducible while their arrival order is not.
type Parallel struct {
	*Vanilla

	batches chan trainBatch
	next    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewParallel(cfg Config) (*Parallel, error) {
	v, err := NewVanilla(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Parallel{
		Vanilla: v,
		batches: make(chan trainBatch, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for range cfg.NumWorkers {
		p.wg.Go(p.worker)
	}
	return p, nil
}

func (p *Parallel) worker() {
	for {
		k := p.next.Add(1) - 1
		rng := rand.New(rand.NewPCG(p.seed(), k))
		rays, batch := sample(rng, p.scene.train, p.cfg.TrainRaysPerBatch)
		select {
		case p.batches <- trainBatch{rays: rays, batch: batch}:
		case <-p.ctx.Done():
			return
		}
	}
}

// NextTrain returns the next prefetched batch, blocking until one is ready.
func (p *Parallel) NextTrain(int) (scene.RayBundle, scene.Batch, error) {
	select {
	case b := <-p.batches:
		return b.rays, b.batch, nil
	case <-p.ctx.Done():
		return scene.RayBundle{}, scene.Batch{}, ErrClosed
	}
}

// SetTrainEpoch is a no-op: worker streams are indexed by batch, not epoch.
func (p *Parallel) SetTrainEpoch(int) {}

// Close stops the workers and waits for them to exit.
func (p *Parallel) Close() error {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
	return nil
}
