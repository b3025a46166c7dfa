package window

import (
	"context"

	"fogcnn/internal/tensor"
)

type result struct {
	batch tensor.Batch
	err   error
}

// Prefetcher reads batches from a source on a background goroutine into a
// bounded queue. Closing it, or cancelling the context it was started with,
// stops the producer.
type Prefetcher struct {
	ch      chan result
	cancel  context.CancelFunc
	done    chan struct{}
	pending *result
	err     error
}

// Prefetch starts a producer that keeps up to depth batches of src ready.
// src must not be used by anyone else until the Prefetcher is closed.
func Prefetch(ctx context.Context, src tensor.Source, depth int) *Prefetcher {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{ch: make(chan result, depth), cancel: cancel, done: make(chan struct{})}
	go p.produce(ctx, src)
	return p
}

func (p *Prefetcher) produce(ctx context.Context, src tensor.Source) {
	defer close(p.done)
	defer close(p.ch)
	for {
		var r result
		if src.HasNext() {
			r.batch, r.err = src.Next()
		} else {
			r.err = ErrExhausted
			if e, ok := src.(interface{ Err() error }); ok && e.Err() != nil {
				r.err = e.Err()
			}
		}
		select {
		case p.ch <- r:
		case <-ctx.Done():
			return
		}
		if r.err != nil {
			return
		}
	}
}

// HasNext reports whether Next will return a batch.
func (p *Prefetcher) HasNext() bool {
	if p.pending != nil {
		return p.pending.err == nil
	}
	if p.err != nil {
		return false
	}
	r, ok := <-p.ch
	if !ok {
		p.err = context.Canceled
		return false
	}
	p.pending = &r
	return r.err == nil
}

// Next returns the next prefetched batch.
func (p *Prefetcher) Next() (tensor.Batch, error) {
	if !p.HasNext() && p.pending == nil {
		return tensor.Batch{}, p.err
	}
	r := *p.pending
	p.pending = nil
	if r.err != nil {
		p.err = r.err
	}
	return r.batch, r.err
}

// Err returns the error that ended the stream, if any.
func (p *Prefetcher) Err() error {
	if p.pending != nil && p.pending.err != nil {
		return p.pending.err
	}
	return p.err
}

// Close stops the producer and waits for it to exit.
func (p *Prefetcher) Close() {
	p.cancel()
	for range p.ch {
	}
	<-p.done
}
