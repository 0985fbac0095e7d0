package cl

import (
	"fmt"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Event is the completion token of one enqueued command.
type Event struct {
	ctx   *Context
	id    driver.EventID
	name  string
	guard *Guard
}

func newEvent(ctx *Context, id driver.EventID, name string) *Event {
	drv := ctx.rt.drv
	return &Event{
		ctx:  ctx,
		id:   id,
		name: name,
		guard: ctx.track(RankEvent, fmt.Sprintf("event #%d (%s)", id, name), func() error {
			return drv.ReleaseEvent(id)
		}),
	}
}

// String implements fmt.Stringer.
func (e *Event) String() string {
	return fmt.Sprintf("event #%d (%s)", e.id, e.name)
}

// Await blocks until the command completes. It returns an error if the command failed.
func (e *Event) Await() error {
	if e == nil || e.guard.Released() {
		return errors.Wrap(ErrDestroyed, "cl.Event")
	}
	return errors.WithMessagef(e.ctx.rt.drv.WaitForEvents([]driver.EventID{e.id}), "awaiting %s", e)
}

// Status returns the execution status of the command.
func (e *Event) Status() (driver.ExecutionStatus, error) {
	if e == nil || e.guard.Released() {
		return 0, errors.Wrap(ErrDestroyed, "cl.Event")
	}
	return e.ctx.rt.drv.EventStatus(e.id)
}

// Destroy releases the event. The command it tracks is not affected. It is idempotent.
func (e *Event) Destroy() error {
	if e == nil {
		return nil
	}
	return e.guard.Release()
}

// AwaitAll blocks until every event has completed, even if some of them fail. It returns the first failure.
// Nil events are ignored.
func AwaitAll(events ...*Event) error {
	byDriver := make(map[driver.Driver][]driver.EventID)
	var order []driver.Driver
	for _, e := range events {
		if e == nil {
			continue
		}
		if e.guard.Released() {
			return errors.Wrapf(ErrDestroyed, "cl.AwaitAll given %s", e)
		}
		drv := e.ctx.rt.drv
		if _, found := byDriver[drv]; !found {
			order = append(order, drv)
		}
		byDriver[drv] = append(byDriver[drv], e.id)
	}
	var firstErr error
	for _, drv := range order {
		if err := drv.WaitForEvents(byDriver[drv]); err != nil && firstErr == nil {
			firstErr = errors.WithMessage(err, "cl.AwaitAll")
		}
	}
	return firstErr
}

// enqueued wraps the event returned by a driver enqueue call. For blocking calls the event is released right away.
func (q *Queue) enqueued(id driver.EventID, name string, blocking bool) *Event {
	if id == 0 {
		return nil
	}
	if blocking {
		if err := q.ctx.rt.drv.ReleaseEvent(id); err != nil {
			klog.Errorf("failed to release event of %s: %v", name, err)
		}
		return nil
	}
	return newEvent(q.ctx, id, name)
}

func eventIDs(events []*Event) ([]driver.EventID, error) {
	if len(events) == 0 {
		return nil, nil
	}
	ids := make([]driver.EventID, 0, len(events))
	for _, e := range events {
		if e == nil {
			continue
		}
		if e.guard.Released() {
			return nil, errors.Wrapf(ErrDestroyed, "waiting on %s", e)
		}
		ids = append(ids, e.id)
	}
	return ids, nil
}
