package syncer

import (
	"context"
	"math"
	"sync"
	"time"

	"drivedb-go/internal/remote"
)

// sizeUnknown stands in for a subtree size the remote could not report in
// time. It compares larger than any threshold, so an unknown size always
// forces a split.
const sizeUnknown = int64(math.MaxInt64)

// prober runs subtree-size probes against the remote on a bounded worker
// pool. Probes are read-only, so they may overlap the serialized
// reconciliation work. A probe that errors or exceeds its timeout reports
// sizeUnknown instead of failing.
type prober struct {
	src     remote.Source
	timeout time.Duration
	sem     chan struct{}

	mu      sync.Mutex
	pending map[int64]chan int64
}

func newProber(src remote.Source, workers int, timeout time.Duration) *prober {
	if workers < 1 {
		workers = 1
	}
	return &prober{
		src:     src,
		timeout: timeout,
		sem:     make(chan struct{}, workers),
		pending: make(map[int64]chan int64),
	}
}

// submit schedules a background probe for id if one is not already pending.
// The pool context bounds the probe's lifetime: when the run ends the
// outstanding probes are abandoned, not drained.
func (p *prober) submit(ctx context.Context, id int64) {
	p.mu.Lock()
	if _, ok := p.pending[id]; ok {
		p.mu.Unlock()
		return
	}
	ch := make(chan int64, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	go func() {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			ch <- sizeUnknown
			return
		}
		defer func() { <-p.sem }()
		ch <- p.query(ctx, id)
	}()
}

// estimate returns the subtree size for id, consuming the background probe
// result when one was submitted and probing synchronously otherwise.
func (p *prober) estimate(ctx context.Context, id int64) int64 {
	p.mu.Lock()
	ch, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if ok {
		select {
		case n := <-ch:
			return n
		case <-ctx.Done():
			return sizeUnknown
		}
	}
	return p.query(ctx, id)
}

func (p *prober) query(ctx context.Context, id int64) int64 {
	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	n, err := p.src.EstimateSubtreeSize(qctx, id)
	if err != nil {
		return sizeUnknown
	}
	return n
}
