// Package instance implements the filesystem instance table and the
// synchronous access layer on top of a flash filesystem engine.
package instance

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/flashfs/flashfs/internal/suspend"
	"github.com/flashfs/flashfs/pkg/errors"
)

// Table is the fixed set of instances of one system. Instance ids are the
// indices of the specs it was built from.
type Table struct {
	instances []*Instance
	sched     *suspend.Scheduler
}

// NewTable builds the instances. Nothing is mounted until MountAll.
func NewTable(specs []Spec, sched *suspend.Scheduler, opts Options) (*Table, error) {
	if len(specs) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "no instances configured")
	}
	if sched == nil {
		sched = suspend.New(0, false)
	}
	t := &Table{sched: sched}
	for id, spec := range specs {
		if spec.Driver == nil || spec.Engine == nil {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "instance %d has no driver or engine", id)
		}
		t.instances = append(t.instances, newInstance(id, spec, sched, opts))
	}
	return t, nil
}

// Len returns the number of instances.
func (t *Table) Len() int { return len(t.instances) }

// Get returns instance id.
func (t *Table) Get(id int) (*Instance, error) {
	if id < 0 || id >= len(t.instances) {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "no instance %d", id).
			WithComponent("instance")
	}
	return t.instances[id], nil
}

// Scheduler returns the suspend scheduler shared by the instances.
func (t *Table) Scheduler() *suspend.Scheduler { return t.sched }

// MountAll mounts every instance concurrently. A failed instance stays not
// ready; the others are unaffected. The first mount error is returned after
// every attempt has finished.
func (t *Table) MountAll(ctx context.Context) error {
	var g errgroup.Group
	for _, in := range t.instances {
		g.Go(func() error {
			return in.Mount(ctx)
		})
	}
	err := g.Wait()

	ready := 0
	for _, in := range t.instances {
		if in.Ready() {
			ready++
		}
	}
	log.Info().Int("instances", len(t.instances)).Int("ready", ready).Msg("mount complete")
	return err
}

// Reformat formats and remounts instance id.
func (t *Table) Reformat(ctx context.Context, id int) error {
	in, err := t.Get(id)
	if err != nil {
		return err
	}
	return in.Reformat(ctx)
}
