package host

import (
	"sync"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
)

type event struct {
	id   driver.EventID
	name string

	mu     sync.Mutex
	status driver.ExecutionStatus
	err    error
	done   chan struct{}
}

func newEvent(name string) *event {
	return &event{name: name, status: driver.Queued, done: make(chan struct{})}
}

func (e *event) setStatus(status driver.ExecutionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
}

// complete marks the event as finished. A non-nil err marks it as failed, with the status carried by err.
func (e *event) complete(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.err = err
		e.status = driver.ExecutionStatus(driver.StatusOf(err))
	} else {
		e.status = driver.Complete
	}
	close(e.done)
}

// wait blocks until the event finishes, and returns its error.
func (e *event) wait() error {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (d *Driver) registerEvent(e *event) driver.EventID {
	e.id = driver.EventID(d.register(e))
	d.stats.events.Add(1)
	return e.id
}

// lookupEvents resolves a wait list.
func (d *Driver) lookupEvents(op string, ids []driver.EventID) ([]*event, error) {
	events := make([]*event, len(ids))
	for ii, id := range ids {
		e, err := lookup[*event](d, op, uintptr(id), driver.InvalidEvent)
		if err != nil {
			return nil, err
		}
		events[ii] = e
	}
	return events, nil
}

// EventStatus implements driver.Driver.
func (d *Driver) EventStatus(eventID driver.EventID) (driver.ExecutionStatus, error) {
	e, err := lookup[*event](d, "EventStatus", uintptr(eventID), driver.InvalidEvent)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, nil
}

// WaitForEvents implements driver.Driver. It waits for all events, even if some fail, and returns an error with
// ExecStatusErrorForEvents if any failed.
func (d *Driver) WaitForEvents(eventIDs []driver.EventID) error {
	const op = "WaitForEvents"
	if len(eventIDs) == 0 {
		return driver.Errorf(op, driver.InvalidValue, "no events given")
	}
	events, err := d.lookupEvents(op, eventIDs)
	if err != nil {
		return err
	}
	var firstErr error
	for _, e := range events {
		if err := e.wait(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "event %q", e.name)
		}
	}
	if firstErr != nil {
		return driver.Errorf(op, driver.ExecStatusErrorForEvents, "%v", firstErr)
	}
	return nil
}

// ReleaseEvent implements driver.Driver. Releasing an event doesn't affect the command it tracks.
func (d *Driver) ReleaseEvent(eventID driver.EventID) error {
	if _, err := lookup[*event](d, "ReleaseEvent", uintptr(eventID), driver.InvalidEvent); err != nil {
		return err
	}
	if d.unregister(uintptr(eventID)) {
		d.stats.events.Add(-1)
	}
	return nil
}
