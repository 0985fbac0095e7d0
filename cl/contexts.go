package cl

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gocl/cl/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context binds a platform and a set of its devices. Every memory object, program, queue and sampler is created
// against one Context, and is released (if not earlier) when the Context is destroyed: see Janitor.
//
// Errors the runtime reports asynchronously on the context can't be traced back to the operation that caused them,
// so they are fatal: the context is then "lost", Done is closed, Err returns a ContextLostError and every further
// operation fails with an error matching ErrContextLost. The only recourse is to Destroy it.
type Context struct {
	rt       *Runtime
	platform *Platform
	devices  []*Device
	id       driver.ContextID
	janitor  *Janitor
	guard    *Guard

	mu      sync.Mutex
	lostErr error
	done    chan struct{}
	handler func(err error)
}

var contextsAlive atomic.Int64

// ContextsAlive returns the number of Contexts created and not yet destroyed.
func ContextsAlive() int64 {
	return contextsAlive.Load()
}

// ContextOption configures the creation of a Context.
type ContextOption func(*contextConfig)

type contextConfig struct {
	handler func(err error)
}

// WithErrorHandler sets a function called (once, from an arbitrary goroutine) when the runtime reports an asynchronous
// error on the context. The error is a *ContextLostError.
func WithErrorHandler(handler func(err error)) ContextOption {
	return func(c *contextConfig) { c.handler = handler }
}

// notifier collects what the runtime reports through the context callback: during creation the messages are kept as
// diagnostic, afterward they mark the context as lost.
type notifier struct {
	mu          sync.Mutex
	ctx         *Context
	diagnostics []string
}

func (n *notifier) notify(errInfo string) {
	n.mu.Lock()
	ctx := n.ctx
	if ctx == nil {
		n.diagnostics = append(n.diagnostics, errInfo)
	}
	n.mu.Unlock()
	if ctx != nil {
		ctx.lose(errInfo)
	}
}

func (n *notifier) diagnostic() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return strings.Join(n.diagnostics, "; ")
}

// NewContext creates a context on the given devices of the platform. It returns a *ContextCreationError on failure.
func (p *Platform) NewContext(devices []*Device, options ...ContextOption) (*Context, error) {
	if len(devices) == 0 {
		return nil, &ContextCreationError{Err: errors.New("no devices given")}
	}
	ids := make([]driver.DeviceID, len(devices))
	for ii, d := range devices {
		if d.platform != p {
			return nil, &ContextCreationError{Err: errors.Errorf("%s is not part of %s", d, p)}
		}
		ids[ii] = d.id
	}
	n := &notifier{}
	id, err := p.rt.drv.CreateContext(p.id, ids, n.notify)
	if err != nil {
		return nil, &ContextCreationError{Attempts: []string{StatusOf(err).String()}, Diagnostic: n.diagnostic(), Err: err}
	}
	return newContext(p, id, n, options)
}

// NewContextFromType creates a context with the devices of the given kind of the platform.
// It returns a *ContextCreationError on failure.
func (p *Platform) NewContextFromType(kind DeviceKind, options ...ContextOption) (*Context, error) {
	n := &notifier{}
	id, err := p.rt.drv.CreateContextFromType(p.id, kind.DeviceType(), n.notify)
	if err != nil {
		return nil, &ContextCreationError{
			Attempts:   []string{fmt.Sprintf("%s: %s", kind, StatusOf(err))},
			Diagnostic: n.diagnostic(),
			Err:        err,
		}
	}
	return newContext(p, id, n, options)
}

// NewContextWithFallback creates a context on the first platform with devices of the first kind (in order of
// preference) for which it succeeds. The default preference is KindGPU then KindCPU.
// If every attempt fails it returns a *ContextCreationError listing them.
func NewContextWithFallback(rt *Runtime, kinds []DeviceKind, options ...ContextOption) (*Context, error) {
	if len(kinds) == 0 {
		kinds = []DeviceKind{KindGPU, KindCPU}
	}
	platforms, err := rt.Platforms()
	if err != nil {
		return nil, err
	}
	creationErr := &ContextCreationError{}
	var diagnostics []string
	for _, kind := range kinds {
		for _, p := range platforms {
			if _, err := p.Devices(kind); err != nil {
				continue
			}
			ctx, err := p.NewContextFromType(kind, options...)
			if err == nil {
				if len(creationErr.Attempts) > 0 {
					klog.Warningf("created context on %s devices of %s after failed attempts: %v", kind, p,
						creationErr.Attempts)
				}
				return ctx, nil
			}
			var ccErr *ContextCreationError
			if errors.As(err, &ccErr) && ccErr.Diagnostic != "" {
				diagnostics = append(diagnostics, ccErr.Diagnostic)
			}
			creationErr.Attempts = append(creationErr.Attempts, fmt.Sprintf("%s on platform #%d: %s", kind, p.index,
				StatusOf(err)))
			creationErr.Err = err
			klog.Warningf("failed to create a %s context on %s: %v", kind, p, err)
		}
	}
	if creationErr.Err == nil {
		creationErr.Err = &EnumerationError{What: fmt.Sprintf("devices of kinds %v", kinds), Err: ErrNoDeviceFound}
	}
	creationErr.Diagnostic = strings.Join(diagnostics, "; ")
	return nil, creationErr
}

func newContext(p *Platform, id driver.ContextID, n *notifier, options []ContextOption) (*Context, error) {
	var config contextConfig
	for _, option := range options {
		option(&config)
	}
	drv := p.rt.drv
	ctx := &Context{
		rt:       p.rt,
		platform: p,
		id:       id,
		janitor:  NewJanitor(),
		done:     make(chan struct{}),
		handler:  config.handler,
	}
	ctx.guard = ctx.janitor.Track(RankContext, fmt.Sprintf("context #%d", id), func() error {
		contextsAlive.Add(-1)
		return drv.ReleaseContext(id)
	})
	contextsAlive.Add(1)

	deviceIDs, err := drv.ContextDevices(id)
	if err == nil {
		for _, deviceID := range deviceIDs {
			var d *Device
			d, err = p.deviceByID(deviceID)
			if err != nil {
				break
			}
			ctx.devices = append(ctx.devices, d)
		}
	}
	if err != nil {
		if releaseErr := ctx.janitor.Release(); releaseErr != nil {
			klog.Errorf("failed to release context after a failed creation: %+v", releaseErr)
		}
		return nil, &ContextCreationError{Err: errors.WithMessage(err, "failed to list context devices")}
	}

	n.mu.Lock()
	n.ctx = ctx
	pending := n.diagnostics
	n.mu.Unlock()
	if len(pending) > 0 {
		// Reported during creation, but creation succeeded anyway.
		ctx.lose(strings.Join(pending, "; "))
	}

	janitor := ctx.janitor
	runtime.AddCleanup(ctx, func(j *Janitor) {
		if j.Live() == 0 {
			return
		}
		klog.Warningf("cl.Context garbage collected without Destroy: releasing %d handles", j.Live())
		if err := j.Release(); err != nil {
			klog.Errorf("cl.Context release failed: %v", err)
		}
	}, janitor)
	klog.V(1).Infof("created context #%d on %s with devices %v", id, p, ctx.devices)
	return ctx, nil
}

// lose marks the context as lost, and calls the error handler the first time.
func (ctx *Context) lose(errInfo string) {
	ctx.mu.Lock()
	if ctx.lostErr != nil {
		ctx.mu.Unlock()
		klog.Errorf("context #%d: further asynchronous error: %s", ctx.id, errInfo)
		return
	}
	err := &ContextLostError{Diagnostic: errInfo}
	ctx.lostErr = err
	close(ctx.done)
	handler := ctx.handler
	ctx.mu.Unlock()

	klog.Errorf("context #%d lost: %s", ctx.id, errInfo)
	if handler != nil {
		handler(err)
	}
}

// Err returns nil while the context is usable, and a *ContextLostError (matching ErrContextLost) after the runtime
// reported an asynchronous error on it.
func (ctx *Context) Err() error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.lostErr
}

// Done returns a channel closed when the context is lost.
func (ctx *Context) Done() <-chan struct{} {
	return ctx.done
}

// check returns an error if the context can't be used: destroyed or lost.
func (ctx *Context) check() error {
	if ctx == nil || ctx.guard.Released() {
		return errors.Wrap(ErrDestroyed, "cl.Context")
	}
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Runtime of the context.
func (ctx *Context) Runtime() *Runtime { return ctx.rt }

// Platform of the context.
func (ctx *Context) Platform() *Platform { return ctx.platform }

// Devices of the context. The returned slice is owned by the context, don't change it.
func (ctx *Context) Devices() []*Device { return ctx.devices }

// Janitor returns the Janitor tracking every handle created on this context.
func (ctx *Context) Janitor() *Janitor { return ctx.janitor }

// String implements fmt.Stringer.
func (ctx *Context) String() string {
	names := make([]string, len(ctx.devices))
	for ii, d := range ctx.devices {
		names[ii] = d.Name()
	}
	return fmt.Sprintf("context #%d on %q [%s]", ctx.id, ctx.platform.Name(), strings.Join(names, ", "))
}

// Destroy releases every handle still alive on the context (see Janitor.Release), then the context itself.
// It is idempotent.
func (ctx *Context) Destroy() error {
	if ctx == nil || ctx.janitor == nil {
		// Already destroyed, no-op.
		return nil
	}
	return ctx.janitor.Release()
}

// track registers a handle in the context's janitor.
func (ctx *Context) track(rank Rank, name string, release func() error) *Guard {
	return ctx.janitor.Track(rank, name, release)
}
