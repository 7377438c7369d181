package output

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Notifier pushes one event to an external consumer, such as an MCP client.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifyFunc adapts a function to a Notifier.
type NotifyFunc func(ctx context.Context, ev Event) error

func (f NotifyFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// DefaultMaxPending bounds the queue before adjacent events are merged
// regardless of mode.
const DefaultMaxPending = 1024

// StreamOptions tunes a StreamingSink.
type StreamOptions struct {
	// Coalesce merges adjacent queued events from the same stream.
	Coalesce bool
	// Window is how long the sender gathers events before draining when
	// Coalesce is set.
	Window time.Duration
	// Rate caps notifications per second; zero means unlimited.
	Rate  float64
	Burst int
	// MaxPending is the queue length past which same-stream events are merged
	// even when Coalesce is off.
	MaxPending int
	Logger     *zerolog.Logger
}

// CoalesceFor reports whether events produced in mode are low-value enough
// to be merged.
func CoalesceFor(m Mode) bool {
	return m == Character || m == Chunk
}

// StreamStats summarises what a StreamingSink did.
type StreamStats struct {
	Delivered int // events accepted by Deliver
	Sent      int // notifications that reached the Notifier successfully
	Merged    int // events folded into an earlier queued event
	Dropped   int // events not sent because the context was done
}

// StreamingSink forwards events to a Notifier from its own goroutine, so
// Deliver never waits on the consumer. While the sender is throttled by the
// rate limiter, newly delivered events queue up and, when allowed, merge into
// the last queued event of the same stream. Merging only ever touches the
// tail of the queue, so order is preserved.
type StreamingSink struct {
	ctx     context.Context
	notify  Notifier
	opts    StreamOptions
	limiter *rate.Limiter
	log     zerolog.Logger

	mu      sync.Mutex
	pending []Event
	started bool
	closed  bool
	stats   StreamStats
	err     error

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamingSink returns a sink that sends events through n. The sender
// goroutine starts on the first delivered event.
func NewStreamingSink(ctx context.Context, n Notifier, opts StreamOptions) *StreamingSink {
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &StreamingSink{
		ctx:     ctx,
		notify:  n,
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Deliver queues ev for sending.
func (s *StreamingSink) Deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.log.Warn().
			Str("origin", ev.Origin.String()).
			Int("bytes", len(ev.Text)).
			Msg("event delivered after stream closed")
		return
	}
	s.stats.Delivered++
	if !s.started {
		s.started = true
		go s.loop()
	}
	s.enqueue(ev)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting events and blocks until the queue is drained. It
// returns the first notification error, if any.
func (s *StreamingSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.started
		s.mu.Unlock()

		close(s.stop)
		if !started {
			close(s.done)
		}
	})
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.Dropped > 0 {
		s.log.Warn().Int("dropped", s.stats.Dropped).Msg("stream notifications dropped after context ended")
	}
	return s.err
}

// Stats returns a snapshot of the sink's counters.
func (s *StreamingSink) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *StreamingSink) enqueue(ev Event) {
	if n := len(s.pending); n > 0 {
		last := &s.pending[n-1]
		if last.Origin == ev.Origin && (s.opts.Coalesce || n >= s.opts.MaxPending) {
			last.Text += ev.Text
			last.Terminal = last.Terminal || ev.Terminal
			s.stats.Merged++
			return
		}
	}
	s.pending = append(s.pending, ev)
}

func (s *StreamingSink) loop() {
	defer close(s.done)

	ctxDone := s.ctx.Done()
	for {
		select {
		case <-s.wake:
		case <-s.stop:
		case <-ctxDone:
			ctxDone = nil
		}

		if s.opts.Coalesce && s.opts.Window > 0 {
			s.gather()
		}

		for {
			if !s.hasPending() {
				break
			}
			// Wait fails only once the context is done; send then records
			// the event as dropped.
			_ = s.limiter.Wait(s.ctx)
			ev, ok := s.pop()
			if !ok {
				break
			}
			s.send(ev)
		}

		if s.drained() {
			return
		}
	}
}

// gather waits out the coalescing window unless the sink is closing.
func (s *StreamingSink) gather() {
	t := time.NewTimer(s.opts.Window)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.stop:
	case <-s.ctx.Done():
	}
}

func (s *StreamingSink) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

func (s *StreamingSink) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Event{}, false
	}
	ev := s.pending[0]
	s.pending[0] = Event{}
	s.pending = s.pending[1:]
	return ev, true
}

func (s *StreamingSink) drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && len(s.pending) == 0
}

func (s *StreamingSink) send(ev Event) {
	if s.ctx.Err() != nil {
		s.mu.Lock()
		s.stats.Dropped++
		s.mu.Unlock()
		return
	}
	err := s.notify.Notify(s.ctx, ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.err == nil {
			s.err = err
		}
		s.log.Warn().Err(err).Str("origin", ev.Origin.String()).Msg("stream notification failed")
		return
	}
	s.stats.Sent++
}
