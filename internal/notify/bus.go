// Package notify is a small typed publish/subscribe bus. Each subscriber gets
// its own channel and sees published values in publish order.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

const DefaultBuffer = 256

type config struct {
	buffer   int
	lossless bool
}

type Option func(*config)

// WithBuffer sets the size of the subscriber channel.
func WithBuffer(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.buffer = n
		}
	}
}

// Lossless makes Publish wait for a full subscriber instead of dropping the
// value. Use it only for consumers which drain the channel until it's closed.
func Lossless() Option {
	return func(c *config) {
		c.lossless = true
	}
}

type subscription[T any] struct {
	cfg  config
	ch   chan T
	gone chan struct{}
	once sync.Once
}

func (s *subscription[T]) leave() {
	s.once.Do(func() { close(s.gone) })
}

// Bus fans values of type T out to subscribers.
type Bus[T any] struct {
	mx      sync.RWMutex
	subs    map[uint64]*subscription[T]
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

func New[T any]() *Bus[T] {
	return &Bus[T]{
		subs: make(map[uint64]*subscription[T]),
	}
}

// Subscribe registers a subscriber. The returned channel is closed by the
// cancel function or by Close.
func (b *Bus[T]) Subscribe(opts ...Option) (<-chan T, func()) {
	cfg := config{buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &subscription[T]{
		cfg:  cfg,
		ch:   make(chan T, cfg.buffer),
		gone: make(chan struct{}),
	}

	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mx.Unlock()

	cancel := func() {
		// unblocks a lossless Publish holding the read lock
		s.leave()
		b.mx.Lock()
		defer b.mx.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return s.ch, cancel
}

// Publish delivers v to every subscriber. Values for full subscribers are
// dropped, unless they are lossless. Those block the publisher until they
// receive, unsubscribe or ctx is done.
func (b *Bus[T]) Publish(ctx context.Context, v T) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	for _, s := range b.subs {
		if !s.cfg.lossless {
			select {
			case s.ch <- v:
			default:
				b.dropped.Add(1)
			}
			continue
		}
		select {
		case s.ch <- v:
		case <-s.gone:
		case <-ctx.Done():
			b.dropped.Add(1)
		}
	}
}

// Dropped returns number of values lost on full subscribers.
func (b *Bus[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of active subscribers.
func (b *Bus[T]) Subscribers() int {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return len(b.subs)
}

// Close closes all subscriber channels, later Publish calls are noop.
func (b *Bus[T]) Close() {
	b.mx.RLock()
	for _, s := range b.subs {
		s.leave()
	}
	b.mx.RUnlock()

	b.mx.Lock()
	defer b.mx.Unlock()
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
