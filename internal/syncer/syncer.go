// Package syncer drives reconciliation breadth-first across a forest of
// remote directories. Reconciliation itself is strictly serialized (the
// remote enforces its own concurrency limits); only the read-only subtree
// size probes run in the background.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drivedb-go/internal/reconcile"
	"drivedb-go/internal/remote"
	"drivedb-go/internal/store"
)

// Outcome is the terminal state of one directory within a run.
type Outcome string

const (
	// OutcomeDone means the directory was reconciled and committed.
	OutcomeDone Outcome = "done"
	// OutcomeSkipped means the id did not name a directory.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeTombstoned means the directory vanished from the remote and was
	// killed locally.
	OutcomeTombstoned Outcome = "tombstoned"
)

// Report summarizes one orchestrator run.
type Report struct {
	Outcomes map[int64]Outcome
	Upserted int
	Removed  int
	Retries  int // Busy re-enqueues, counted across all directories
}

// Options tune one orchestrator run.
type Options struct {
	// SplitThreshold controls when a directory's children are processed
	// independently instead of as one subtree pass: 0 always splits, a
	// negative value never splits, and otherwise a directory splits exactly
	// when its estimated subtree size exceeds the threshold. An estimate
	// that times out or fails counts as infinite and forces a split.
	SplitThreshold int64
	ProbeTimeout   time.Duration
	ProbeWorkers   int
	PageSize       int64
	Cooldown       time.Duration
	// FullRefresh upserts every remote item without diffing and removes
	// nothing.
	FullRefresh bool
}

const (
	defaultProbeTimeout = 5 * time.Second
	defaultProbeWorkers = 8
)

// Orchestrator walks a FIFO queue of directory ids, reconciling each one and
// enqueueing discovered child directories when a split is called for.
type Orchestrator struct {
	store  *store.Store
	src    remote.Source
	logger Logger
	opts   Options
}

func New(st *store.Store, src remote.Source, logger Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = NewNopLogger()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.ProbeWorkers <= 0 {
		opts.ProbeWorkers = defaultProbeWorkers
	}
	return &Orchestrator{store: st, src: src, logger: logger, opts: opts}
}

// Run reconciles the given roots and, transitively, every child directory
// discovered through splitting. NotFound tombstones the directory, Busy
// re-enqueues it with no retry cap, NotADirectory skips it; any other error
// aborts the run with all previously committed directories left intact.
func (o *Orchestrator) Run(ctx context.Context, roots []int64) (*Report, error) {
	// Cancelling probeCtx abandons outstanding probes rather than draining
	// them; a probe result nobody will read is not worth waiting for.
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr := newProber(o.src, o.opts.ProbeWorkers, o.opts.ProbeTimeout)
	cache := remote.NewDirCache()
	rec := reconcile.New(o.store, o.src, cache, reconcile.Options{
		PageSize: o.opts.PageSize,
		Cooldown: o.opts.Cooldown,
	})

	report := &Report{Outcomes: make(map[int64]Outcome)}
	queue := append([]int64(nil), roots...)
	seen := make(map[int64]struct{})

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		id := queue[0]
		queue = queue[1:]
		if _, done := seen[id]; done {
			continue
		}

		split := o.shouldSplit(ctx, pr, id)
		upserted, removed, err := rec.Reconcile(ctx, id, reconcile.Params{
			Tree:        !split,
			FullRefresh: o.opts.FullRefresh,
		})
		switch {
		case err == nil:
		case errors.Is(err, remote.ErrNotFound):
			if kerr := o.store.Kill(ctx, []int64{id}); kerr != nil {
				return report, kerr
			}
			seen[id] = struct{}{}
			report.Outcomes[id] = OutcomeTombstoned
			o.logger.Warn("directory gone from remote, tombstoned", "id", id)
			continue
		case errors.Is(err, remote.ErrNotADirectory):
			seen[id] = struct{}{}
			report.Outcomes[id] = OutcomeSkipped
			o.logger.Warn("id is not a directory, skipped", "id", id)
			continue
		case errors.Is(err, remote.ErrBusy):
			queue = append(queue, id)
			report.Retries++
			o.logger.Info("remote busy, re-enqueued", "id", id)
			continue
		default:
			return report, fmt.Errorf("syncer: reconciling directory %d: %w", id, err)
		}

		seen[id] = struct{}{}
		report.Outcomes[id] = OutcomeDone
		report.Upserted += upserted
		report.Removed += removed
		o.logger.Info("directory reconciled",
			"id", id, "split", split, "upserted", upserted, "removed", removed)

		if !split {
			continue
		}
		// Children are enqueued only after the parent's delta is committed,
		// so a child is never scheduled before its row exists locally.
		children, err := o.store.ChildDirIDs(ctx, id)
		if err != nil {
			return report, err
		}
		for _, child := range children {
			if _, done := seen[child]; done {
				continue
			}
			if o.opts.SplitThreshold > 0 {
				pr.submit(probeCtx, child)
			}
			queue = append(queue, child)
		}
	}
	return report, nil
}

func (o *Orchestrator) shouldSplit(ctx context.Context, pr *prober, id int64) bool {
	switch {
	case o.opts.SplitThreshold == 0:
		return true
	case o.opts.SplitThreshold < 0:
		return false
	}
	return pr.estimate(ctx, id) > o.opts.SplitThreshold
}
