package inference

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/panostream/internal/imaging"
)

var (
	ErrBackendExists  = errors.New("inference: backend already registered")
	ErrBackendNil     = errors.New("inference: backend factory is nil")
	ErrUnknownBackend = errors.New("inference: unknown backend")
	ErrOutputShape    = errors.New("inference: backend output shape differs from input")
)

// Backend maps one normalized image tensor to another of the same shape.
// Implementations need not be safe for concurrent use.
type Backend interface {
	Name() string
	Infer(ctx context.Context, in imaging.Tensor) (imaging.Tensor, error)
}

// Factory builds a backend from a loaded checkpoint.
type Factory func(ckpt Checkpoint) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func init() {
	MustRegister("identity", func(Checkpoint) (Backend, error) { return Identity{}, nil })
	MustRegister("invert", func(Checkpoint) (Backend, error) { return Invert{}, nil })
}

// Register adds a backend factory under name.
func Register(name string, factory Factory) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if factory == nil {
		return ErrBackendNil
	}
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownBackend)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		return fmt.Errorf("%w: %s", ErrBackendExists, name)
	}
	registry[name] = factory
	return nil
}

func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// Open resolves name and builds its backend from ckpt.
func Open(name string, ckpt Checkpoint) (Backend, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	registryMu.RLock()
	factory, ok := registry[key]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownBackend, name, strings.Join(Names(), ", "))
	}
	return factory(ckpt)
}

// Names lists registered backends in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Identity returns its input unchanged.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Infer(ctx context.Context, in imaging.Tensor) (imaging.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return imaging.Tensor{}, err
	}
	return in.Clone(), nil
}

// Invert negates every normalized value, which maps each channel byte v to
// 255-v after postprocessing.
type Invert struct{}

func (Invert) Name() string { return "invert" }

func (Invert) Infer(ctx context.Context, in imaging.Tensor) (imaging.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return imaging.Tensor{}, err
	}
	out := in.Clone()
	for i, v := range out.Data {
		out.Data[i] = -v
	}
	return out, nil
}

func checkOutput(in, out imaging.Tensor) error {
	if err := out.Validate(); err != nil {
		return err
	}
	if !in.SameShape(out) {
		return fmt.Errorf("%w: in=%dx%dx%d out=%dx%dx%d", ErrOutputShape,
			in.Channels, in.Height, in.Width, out.Channels, out.Height, out.Width)
	}
	return nil
}
