package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/panostream/internal/imaging"
	"github.com/danmuck/panostream/internal/observability"
)

var ErrClosed = errors.New("inference: service closed")

const (
	ModeMutex  = "mutex"
	ModeWorker = "worker"
)

// Service is the handle sessions use to reach the shared backend. At most
// one backend Infer call is in flight across all callers.
type Service interface {
	Infer(ctx context.Context, in imaging.Tensor) (imaging.Tensor, error)
	Backend() string
	Close() error
}

// NewService wraps backend in the serialization strategy named by mode.
func NewService(mode string, backend Backend, queueDepth int) (Service, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeMutex:
		return NewSerialized(backend), nil
	case ModeWorker:
		return NewWorker(backend, queueDepth), nil
	default:
		return nil, fmt.Errorf("inference: unknown mode %q (known: %s, %s)", mode, ModeMutex, ModeWorker)
	}
}

func invoke(ctx context.Context, backend Backend, in imaging.Tensor) (imaging.Tensor, error) {
	start := time.Now()
	out, err := backend.Infer(ctx, in)
	if err == nil {
		err = checkOutput(in, out)
	}
	observability.RecordInference(backend.Name(), time.Since(start), err == nil)
	if err != nil {
		return imaging.Tensor{}, err
	}
	return out, nil
}

// Serialized guards the backend with a mutex.
type Serialized struct {
	mu      sync.Mutex
	backend Backend
	closed  bool
}

func NewSerialized(backend Backend) *Serialized {
	return &Serialized{backend: backend}
}

func (s *Serialized) Infer(ctx context.Context, in imaging.Tensor) (imaging.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return imaging.Tensor{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return imaging.Tensor{}, err
	}
	return invoke(ctx, s.backend, in)
}

func (s *Serialized) Backend() string { return s.backend.Name() }

func (s *Serialized) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type job struct {
	ctx  context.Context
	in   imaging.Tensor
	resp chan result
}

type result struct {
	out imaging.Tensor
	err error
}

// Worker owns the backend on a single goroutine fed by a queue. Each caller
// gets its own response channel.
type Worker struct {
	backend Backend
	queue   chan job
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewWorker starts the worker goroutine. queueDepth bounds how many requests
// may wait; callers beyond it block until a slot frees.
func NewWorker(backend Backend, queueDepth int) *Worker {
	if queueDepth < 0 {
		queueDepth = 0
	}
	w := &Worker{
		backend: backend,
		queue:   make(chan job, queueDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case j := <-w.queue:
			if err := j.ctx.Err(); err != nil {
				j.resp <- result{err: err}
				continue
			}
			out, err := invoke(j.ctx, w.backend, j.in)
			j.resp <- result{out: out, err: err}
		}
	}
}

func (w *Worker) Infer(ctx context.Context, in imaging.Tensor) (imaging.Tensor, error) {
	j := job{ctx: ctx, in: in, resp: make(chan result, 1)}
	select {
	case w.queue <- j:
	case <-w.stop:
		return imaging.Tensor{}, ErrClosed
	case <-ctx.Done():
		return imaging.Tensor{}, ctx.Err()
	}
	select {
	case r := <-j.resp:
		return r.out, r.err
	case <-w.done:
		// The worker may have answered just before stopping.
		select {
		case r := <-j.resp:
			return r.out, r.err
		default:
			return imaging.Tensor{}, ErrClosed
		}
	case <-ctx.Done():
		return imaging.Tensor{}, ctx.Err()
	}
}

func (w *Worker) Backend() string { return w.backend.Name() }

// Close stops the worker after the call in progress, if any. Queued requests
// that never started fail with ErrClosed.
func (w *Worker) Close() error {
	w.once.Do(func() { close(w.stop) })
	<-w.done
	return nil
}
