package cl

import (
	"fmt"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
)

var (
	// ErrNoPlatformFound is wrapped by the EnumerationError returned when the runtime reports no platform.
	ErrNoPlatformFound = errors.New("no compute platform found")

	// ErrNoDeviceFound is wrapped by the EnumerationError returned when no device matches the requested kind.
	ErrNoDeviceFound = errors.New("no compute device found")

	// ErrContextLost is matched (with errors.Is) by the error of every operation on a Context after the runtime
	// reported an asynchronous error on it. See Context.Err.
	ErrContextLost = errors.New("compute context lost")

	// ErrDestroyed is returned by operations on objects already destroyed.
	ErrDestroyed = errors.New("object already destroyed")

	// ErrNotCached is returned by BinaryStore.Load when there is no binary for the key.
	ErrNotCached = errors.New("program binary not cached")
)

// EnumerationError is returned when no platform, or no device of the requested kind, can be found.
// It is fatal: nothing can run without a device.
type EnumerationError struct {
	// What was being enumerated, e.g. `GPU devices of platform "gocl host"`.
	What string
	Err  error
}

func (e *EnumerationError) Error() string { return fmt.Sprintf("enumerating %s: %v", e.What, e.Err) }
func (e *EnumerationError) Unwrap() error { return e.Err }

// ContextCreationError is returned when no context could be created, after the fallbacks were tried.
type ContextCreationError struct {
	// Attempts describes each failed attempt, e.g. "GPU: DEVICE_NOT_AVAILABLE".
	Attempts []string

	// Diagnostic is the text delivered by the runtime through the asynchronous error callback during the creation,
	// if any.
	Diagnostic string

	Err error
}

func (e *ContextCreationError) Error() string {
	msg := fmt.Sprintf("failed to create a compute context (attempts: %v): %v", e.Attempts, e.Err)
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	return msg
}
func (e *ContextCreationError) Unwrap() error { return e.Err }

// ContextLostError is the error of a Context after the runtime reported an asynchronous error on it.
// It matches ErrContextLost with errors.Is.
type ContextLostError struct {
	Diagnostic string
}

func (e *ContextLostError) Error() string        { return "compute context lost: " + e.Diagnostic }
func (e *ContextLostError) Is(target error) bool { return target == ErrContextLost }

// BuildError is returned when a program fails to compile. Log holds the compiler output verbatim.
type BuildError struct {
	// Device for which the build failed.
	Device string
	Log    string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("failed to build program for device %q: %v\nbuild log:\n%s", e.Device, e.Err, e.Log)
}
func (e *BuildError) Unwrap() error { return e.Err }

// InvalidPartitionError is returned when a buffer can't be split into the requested number of regions.
// Nothing is allocated when it is returned.
type InvalidPartitionError struct {
	TotalSize, Count int
	Reason           string
	Err              error
}

func (e *InvalidPartitionError) Error() string {
	msg := fmt.Sprintf("invalid partition of %d bytes into %d regions: %s", e.TotalSize, e.Count, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}
func (e *InvalidPartitionError) Unwrap() error { return e.Err }

// DispatchError is returned when the work for one of the devices of a dispatch could not be enqueued.
// Work already enqueued on the other devices has been completed when it is returned.
type DispatchError struct {
	DeviceIndex int
	Code        driver.Status
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed for device #%d (%s): %v", e.DeviceIndex, e.Code, e.Err)
}
func (e *DispatchError) Unwrap() error { return e.Err }

// PersistenceWarning reports that a freshly built program binary couldn't be saved in the cache. The program is still
// usable: it is only logged and counted, never returned as an error.
type PersistenceWarning struct {
	Key string
	Err error
}

func (e *PersistenceWarning) Error() string {
	return fmt.Sprintf("failed to persist program binary %q: %v", e.Key, e.Err)
}
func (e *PersistenceWarning) Unwrap() error { return e.Err }

// StatusOf returns the driver status carried by err, see driver.StatusOf.
func StatusOf(err error) driver.Status {
	return driver.StatusOf(err)
}
