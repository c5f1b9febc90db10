// Package pager fetches one remote directory listing page by page while
// hiding the latency of any single slow page. True server-side concurrent
// pagination is not reliably available, so the pager keeps exactly one fetch
// in flight for the current offset and, once a cooldown window has passed
// without a result, speculatively issues one fetch for the next expected
// offset without cancelling the first. The speculative result is held in a
// one-slot queue and consumed next if still applicable.
package pager

import (
	"context"
	"fmt"
	"io"
	"time"

	"drivedb-go/internal/remote"
)

const (
	defaultPageSize = 7000
	defaultCooldown = time.Second
)

// Options tune one pager instance.
type Options struct {
	PageSize      int64         // Page size after the first page (default 7000)
	FirstPageSize int64         // Size of the first page (default PageSize)
	Cooldown      time.Duration // Window before a speculative fetch is issued (default 1s)
	LeafOnly      bool          // List file leaves of the subtree instead of direct children
}

type result struct {
	page *remote.Page
	err  error
}

// inflight is one outstanding ListPage call. The channel is buffered so an
// abandoned fetch completes and exits without a receiver.
type inflight struct {
	offset int64
	limit  int64
	issued time.Time
	ch     chan result
}

// Pager yields the pages of one directory listing exactly once, in original
// per-page order, regardless of how many speculative fetches raced.
type Pager struct {
	src   remote.Source
	dirID int64
	opts  Options

	cur   *inflight
	spec  *inflight // one-slot speculative queue
	count int64     // remote-reported total; -1 until the first page lands
	done  bool
}

// New creates a pager for the given directory.
func New(src remote.Source, dirID int64, opts Options) *Pager {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.FirstPageSize <= 0 {
		opts.FirstPageSize = opts.PageSize
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	return &Pager{src: src, dirID: dirID, opts: opts, count: -1}
}

// Prime issues the first fetch without waiting for its result, letting the
// caller overlap other work with the first remote round-trip.
func (p *Pager) Prime(ctx context.Context) {
	if p.cur == nil && !p.done {
		p.cur = p.start(ctx, 0, p.opts.FirstPageSize)
	}
}

// Next returns the next page, or io.EOF once the listing is exhausted.
// Timeout-class fetch failures are absorbed and retried indefinitely at the
// same offset; failures with a status >= 400 and all other non-timeout
// errors propagate. Ancestor-path mismatch is reported as
// remote.ErrNotADirectory on the first page and remote.ErrNotFound
// afterwards; total-count drift between pages as remote.ErrBusy.
func (p *Pager) Next(ctx context.Context) (*remote.Page, error) {
	if p.done {
		return nil, io.EOF
	}
	if p.cur == nil {
		p.cur = p.start(ctx, 0, p.opts.FirstPageSize)
	}

	for {
		res, ok, err := p.await(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Cooldown expired: issue the speculative fetch and keep
			// waiting on the current one.
			p.speculate(ctx)
			continue
		}

		if res.err != nil {
			if remote.StatusCode(res.err) >= 400 || !remote.IsTimeout(res.err) {
				return nil, res.err
			}
			// Transient backend slowness is expected; retry the same
			// offset, never giving up.
			p.cur = p.start(ctx, p.cur.offset, p.cur.limit)
			continue
		}

		page := res.page
		if err := p.validate(page); err != nil {
			return nil, err
		}
		p.count = page.Count
		p.advance(ctx, page)
		return page, nil
	}
}

// await waits for the current fetch. It returns ok=false when the cooldown
// window elapsed with no result and no speculative fetch has been issued yet.
func (p *Pager) await(ctx context.Context) (result, bool, error) {
	if p.spec == nil {
		wait := time.Until(p.cur.issued.Add(p.opts.Cooldown))
		if wait <= 0 {
			select {
			case res := <-p.cur.ch:
				return res, true, nil
			case <-ctx.Done():
				return result{}, false, ctx.Err()
			default:
				return result{}, false, nil
			}
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case res := <-p.cur.ch:
			return res, true, nil
		case <-timer.C:
			return result{}, false, nil
		case <-ctx.Done():
			return result{}, false, ctx.Err()
		}
	}

	select {
	case res := <-p.cur.ch:
		return res, true, nil
	case <-ctx.Done():
		return result{}, false, ctx.Err()
	}
}

// speculate fills the one-slot queue with a fetch for the next expected
// offset, when another page is plausibly needed.
func (p *Pager) speculate(ctx context.Context) {
	if p.spec != nil {
		return
	}
	offset := p.cur.offset + p.cur.limit
	if p.count >= 0 && offset >= p.count {
		// Listing is known to end before the speculative offset; wait out
		// the current fetch instead.
		p.spec = &inflight{offset: -1}
		return
	}
	p.spec = p.start(ctx, offset, p.opts.PageSize)
}

func (p *Pager) validate(page *remote.Page) error {
	// The listed directory must still be itself: its id has to terminate
	// the reported ancestor path. Root (id 0) has no path to check.
	if p.dirID != 0 {
		if n := len(page.Ancestors); n == 0 || page.Ancestors[n-1].ID != p.dirID {
			if p.count < 0 {
				return fmt.Errorf("directory %d: %w", p.dirID, remote.ErrNotADirectory)
			}
			return fmt.Errorf("directory %d vanished during listing: %w", p.dirID, remote.ErrNotFound)
		}
	}
	if p.count >= 0 && page.Count != p.count {
		return fmt.Errorf("count changed from %d to %d while listing %d: %w",
			p.count, page.Count, p.dirID, remote.ErrBusy)
	}
	return nil
}

// advance decides what to wait for after yielding page: nothing (listing
// exhausted), the queued speculative fetch (when it targets exactly the next
// offset), or a fresh fetch.
func (p *Pager) advance(ctx context.Context, page *remote.Page) {
	nextOffset := page.Offset + int64(len(page.Items))
	if len(page.Items) == 0 || nextOffset >= p.count || page.Offset != p.cur.offset {
		p.done = true
		p.cur, p.spec = nil, nil
		return
	}

	if p.spec != nil && p.spec.offset == nextOffset {
		p.cur, p.spec = p.spec, nil
		return
	}
	// A short page made the speculative offset wrong (or the slot holds the
	// no-fetch marker); abandon it and fetch the right offset. The yielded
	// sequence stays exactly-once either way.
	p.spec = nil
	p.cur = p.start(ctx, nextOffset, p.opts.PageSize)
}

func (p *Pager) start(ctx context.Context, offset, limit int64) *inflight {
	f := &inflight{
		offset: offset,
		limit:  limit,
		issued: time.Now(),
		ch:     make(chan result, 1),
	}
	go func() {
		page, err := p.src.ListPage(ctx, p.dirID, offset, limit, p.opts.LeafOnly)
		f.ch <- result{page: page, err: err}
	}()
	return f
}
