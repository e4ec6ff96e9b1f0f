package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of a single mapFunc call
type Result[D any] struct {
	Value D
	Err   error
}

type item[E, D any] struct {
	e E
	r Result[D]
}

// Map runs mapFunc over the input with at most limit calls in flight and
// yields the input together with its result in completion order. Map is
// context aware, canceled context ends the processing.
//
//	for pid, res := range parallel.NewMap(ctx, 4, kill).Iter(slices.Values(pids)) {}
//
// An error returned by mapFunc is handed to the consumer, it does not stop
// the other calls.
type Map[E, D any] struct {
	parentCtx    context.Context
	cancelParent context.CancelFunc
	g            *errgroup.Group
	gctx         context.Context
	mapped       chan item[E, D]
	mapFunc      func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	parentCtx, cancelParent := context.WithCancel(parentCtx)
	g, gctx := errgroup.WithContext(parentCtx)
	// +1 for the feeding goroutine
	g.SetLimit(limit + 1)

	return &Map[E, D]{
		parentCtx:    parentCtx,
		cancelParent: cancelParent,
		g:            g,
		gctx:         gctx,
		mapped:       make(chan item[E, D], limit),
		mapFunc:      mapFunc,
	}
}

func (s *Map[E, D]) goWorkers(seq iter.Seq[E]) {
	s.g.Go(func() error {
		for entry := range seq {
			if s.gctx.Err() != nil {
				return s.gctx.Err()
			}
			s.g.Go(func() error {
				d, err := s.mapFunc(s.gctx, entry)
				select {
				case <-s.gctx.Done():
					return s.gctx.Err()
				case s.mapped <- item[E, D]{e: entry, r: Result[D]{Value: d, Err: err}}:
				}
				return nil
			})
		}
		return nil
	})
}

// Iter starts the processing, it can be called once.
func (s *Map[E, D]) Iter(seq iter.Seq[E]) iter.Seq2[E, Result[D]] {
	return func(yield func(E, Result[D]) bool) {
		s.goWorkers(seq)

		done := make(chan struct{})
		go func() {
			_ = s.g.Wait()
			close(s.mapped)
			close(done)
		}()
		defer func() {
			// unblocks pending workers when the consumer stopped early
			s.cancelParent()
			for range s.mapped {
			}
			<-done
		}()

		for r := range s.mapped {
			if s.parentCtx.Err() != nil {
				return
			}
			if !yield(r.e, r.r) {
				return
			}
		}
	}
}
