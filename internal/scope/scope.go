// Package scope implements the ordered acquire/release runtime the whole
// backup pipeline is built on. Resources are acquired in declared order and
// released in the exact reverse order; release is total: every acquired
// resource gets a release attempt even when an earlier one fails.
package scope

import (
	"context"
	"fmt"

	"github.com/Rudd-O/borg-offsite-backup/internal/logging"
)

// Resource is anything held for the duration of a run. Release must
// tolerate partially acquired state and being called when the resource
// is already gone.
type Resource interface {
	Name() string
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Func adapts a pair of functions to the Resource interface. Nil
// functions are treated as no-ops.
type Func struct {
	Label     string
	AcquireFn func(ctx context.Context) error
	ReleaseFn func(ctx context.Context) error
}

// Name implements Resource.
func (f *Func) Name() string { return f.Label }

// Acquire implements Resource.
func (f *Func) Acquire(ctx context.Context) error {
	if f.AcquireFn == nil {
		return nil
	}
	return f.AcquireFn(ctx)
}

// Release implements Resource.
func (f *Func) Release(ctx context.Context) error {
	if f.ReleaseFn == nil {
		return nil
	}
	return f.ReleaseFn(ctx)
}

// Group acquires a fixed list of resources in order and releases the
// acquired ones in reverse. A Group is itself a Resource, so groups nest.
type Group struct {
	name      string
	logger    *logging.Logger
	resources []Resource
	acquired  []Resource
}

// NewGroup builds a group over the given resources. The declared order is
// the acquisition order.
func NewGroup(name string, logger *logging.Logger, resources ...Resource) *Group {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Group{
		name:      name,
		logger:    logger,
		resources: resources,
	}
}

// Name implements Resource.
func (g *Group) Name() string { return g.name }

// Acquire acquires every resource in declared order. If one acquisition
// fails, the already-acquired resources are released in reverse order
// before the acquisition error is returned; errors from that unwind are
// logged but do not mask the acquisition error.
func (g *Group) Acquire(ctx context.Context) error {
	for _, r := range g.resources {
		g.logger.Debug("Acquiring %s", r.Name())
		if err := r.Acquire(ctx); err != nil {
			acquireErr := fmt.Errorf("acquire %s: %w", r.Name(), err)
			if relErr := g.Release(ctx); relErr != nil {
				g.logger.Error("Unwinding after failed acquisition of %s: %v", r.Name(), relErr)
			}
			return acquireErr
		}
		g.acquired = append(g.acquired, r)
	}
	return nil
}

// Release releases every acquired resource in reverse acquisition order.
// Every release is attempted even when one fails; the first error is
// returned after all attempts, the rest are logged. A second call is a
// no-op.
func (g *Group) Release(ctx context.Context) error {
	var first error
	for i := len(g.acquired) - 1; i >= 0; i-- {
		r := g.acquired[i]
		g.logger.Debug("Releasing %s", r.Name())
		if err := r.Release(ctx); err != nil {
			if first == nil {
				first = fmt.Errorf("release %s: %w", r.Name(), err)
			} else {
				g.logger.Error("Releasing %s: %v", r.Name(), err)
			}
		}
	}
	g.acquired = nil
	return first
}
