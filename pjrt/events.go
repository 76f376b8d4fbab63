package pjrt

import (
	"context"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Event is a reference to a future event (when something is done), and it is created by asynchronous calls.
//
// Completion is delivered by the plugin through PJRT_Event_OnReady, registered at most once per Event, from
// whatever thread the plugin uses. Await blocks on it, and AwaitContext/Done allow waiting with a context or in a
// select statement. Once completed, the outcome is fixed and the native handle is released.
//
// Usually users of the Go's pjrt package don't need to use it directly: the various methods of the API handle
// the events.
type Event struct {
	plugin *Plugin

	mu     sync.Mutex
	cEvent uintptr // Protected by mu, 0 after destroyed.

	// awaiting is set while a goroutine blocks on PJRT_Event_Await with the handle (plugins without
	// PJRT_Event_OnReady). A Destroy in the meantime only sets destroyPending, and the goroutine destroys the
	// handle once the await returns. Both protected by mu.
	awaiting, destroyPending bool

	registerOnce sync.Once
	cell         *completionCell
}

// completionCell is the single-assignment outcome of an Event.
type completionCell struct {
	plugin *Plugin
	done   chan struct{}
	once   sync.Once
	err    error
}

// complete sets the outcome and closes done: only the first call has any effect.
func (c *completionCell) complete(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

var (
	// pendingEvents holds the cells of events with a registered OnReady callback that didn't fire yet.
	// The native callback receives the id as user_arg.
	pendingEvents callbackRegistry[*completionCell]

	// onReadyCallback is the native callback passed to PJRT_Event_OnReady, created once.
	onReadyCallback = sync.OnceValue(func() uintptr {
		return purego.NewCallback(onReadyTrampoline)
	})
)

// onReadyTrampoline is called by the plugin when an event is ready. It owns (and destroys) pErr.
func onReadyTrampoline(pErr, userArg uintptr) uintptr {
	cell, found := pendingEvents.take(userArg)
	if !found {
		klog.Errorf("PJRT_Event_OnReady callback called with unknown id %d, ignoring", userArg)
		return 0
	}
	cell.complete(toError(cell.plugin, "PJRT_Event_OnReady", pErr))
	return 0
}

// newEvent creates Event and registers it for freeing.
func newEvent(plugin *Plugin, cEvent uintptr) *Event {
	e := &Event{
		plugin: plugin,
		cEvent: cEvent,
		cell:   &completionCell{plugin: plugin, done: make(chan struct{})},
	}
	runtime.SetFinalizer(e, func(e *Event) {
		err := e.Destroy()
		if err != nil {
			klog.Errorf("Event.Destroy failed: %v", err)
		}
	})
	return e
}

// newCompletedEvent returns an Event already completed with err, with no native handle.
func newCompletedEvent(plugin *Plugin, err error) *Event {
	e := &Event{plugin: plugin, cell: &completionCell{plugin: plugin, done: make(chan struct{})}}
	e.cell.complete(err)
	return e
}

// register registers the OnReady callback, at most once.
func (e *Event) register() {
	e.registerOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.cEvent == 0 {
			e.cell.complete(errDestroyed("PJRT_Event_OnReady", "Event"))
			return
		}
		plugin := e.plugin
		offset := unsafe.Offsetof(plugin.api.EventOnReady)
		if !plugin.api.Has(offset) {
			// Older plugins: wait with the blocking PJRT_Event_Await in a goroutine.
			cEvent := e.cEvent
			e.awaiting = true
			go e.awaitInBackground(cEvent)
			return
		}
		id := pendingEvents.register(e.cell)
		args := capi.New[capi.EventOnReadyArgs]()
		args.Event = e.cEvent
		args.Callback = onReadyCallback()
		args.UserArg = id
		err := call(plugin, offset, args)
		if err != nil {
			pendingEvents.forget(id)
			e.cell.complete(errors.WithMessage(err, "failed to register callback for PJRT event"))
		}
	})
}

// awaitInBackground blocks on PJRT_Event_Await and completes the event. It owns cEvent until the await returns.
func (e *Event) awaitInBackground(cEvent uintptr) {
	args := capi.New[capi.EventAwaitArgs]()
	args.Event = cEvent
	err := call(e.plugin, unsafe.Offsetof(e.plugin.api.EventAwait), args)

	e.mu.Lock()
	e.awaiting = false
	if e.destroyPending {
		e.destroyPending = false
		if destroyErr := destroyEventHandle(e.plugin, cEvent); destroyErr != nil {
			klog.Errorf("Failed to destroy PJRT event after PJRT_Event_Await returned: %v", destroyErr)
		}
	}
	e.mu.Unlock()
	e.cell.complete(err)
}

// Done returns a channel that is closed when the event is ready. Use Err afterward to get the outcome.
func (e *Event) Done() <-chan struct{} {
	if e == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	e.register()
	return e.cell.done
}

// Err returns the outcome of the event once Done is closed, and nil before that.
func (e *Event) Err() error {
	if e == nil {
		return errDestroyed("PJRT_Event_Error", "Event")
	}
	select {
	case <-e.cell.done:
		return e.cell.err
	default:
		return nil
	}
}

// IsReady returns whether the event is ready, without blocking.
// An event destroyed before it completed is not ready.
func (e *Event) IsReady() bool {
	if e == nil {
		return true
	}
	select {
	case <-e.cell.done:
		return true
	default:
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cEvent == 0 {
		return false
	}
	args := capi.New[capi.EventIsReadyArgs]()
	args.Event = e.cEvent
	if err := call(e.plugin, unsafe.Offsetof(e.plugin.api.EventIsReady), args); err != nil {
		klog.Warningf("PJRT_Event_IsReady failed: %v", err)
		return false
	}
	return args.IsReady
}

// Await blocks the calling goroutine until the event is ready, then returns its error, if any.
// Calling it again returns the same outcome.
func (e *Event) Await() error {
	if e == nil {
		return errDestroyed("PJRT_Event_Await", "Event")
	}
	<-e.Done()
	e.releaseCompleted()
	return e.cell.err
}

// AwaitContext waits until the event is ready or the context is done.
// If the context is done first, it returns ctx.Err(), and the event remains valid: the operation is not cancelled.
func (e *Event) AwaitContext(ctx context.Context) error {
	if e == nil {
		return errDestroyed("PJRT_Event_Await", "Event")
	}
	select {
	case <-e.Done():
		e.releaseCompleted()
		return e.cell.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnReady calls fn with the outcome of the event once it is ready, in a separate goroutine.
func (e *Event) OnReady(fn func(err error)) {
	done := e.Done()
	go func() {
		<-done
		fn(e.Err())
	}()
}

// releaseCompleted destroys the native handle of a completed event.
func (e *Event) releaseCompleted() {
	if err := e.Destroy(); err != nil {
		klog.Errorf("Failed to destroy completed PJRT event: %v", err)
	}
}

// Destroy the native event handle, without waiting for it. A registered callback still fires and is absorbed.
// It is idempotent, and it is automatically called when the Event is garbage collected.
func (e *Event) Destroy() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.plugin == nil || e.cEvent == 0 {
		// Already destroyed, no-op.
		return nil
	}
	cEvent := e.cEvent
	e.cEvent = 0
	if e.awaiting {
		// The background PJRT_Event_Await still uses the handle.
		e.destroyPending = true
		return nil
	}
	return destroyEventHandle(e.plugin, cEvent)
}

func destroyEventHandle(plugin *Plugin, cEvent uintptr) error {
	args := capi.New[capi.EventDestroyArgs]()
	args.Event = cEvent
	return call(plugin, unsafe.Offsetof(plugin.api.EventDestroy), args)
}

// AwaitAll waits concurrently for all the events, and returns the first error, if any.
// If the context is done, it returns ctx.Err().
func AwaitAll(ctx context.Context, events ...*Event) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, event := range events {
		if event == nil {
			continue
		}
		g.Go(func() error {
			return event.AwaitContext(gCtx)
		})
	}
	return g.Wait()
}

// NewEvent creates an event that is completed by the host with Event.Set.
// It requires PJRT_Event_Create, provided by recent plugins (see Plugin.HasFunction).
func (p *Plugin) NewEvent() (*Event, error) {
	args := capi.New[capi.EventCreateArgs]()
	err := call(p, unsafe.Offsetof(p.api.EventCreate), args)
	if err != nil {
		return nil, err
	}
	return newEvent(p, args.Event), nil
}

// Set completes an event created with Plugin.NewEvent. If code is CodeOK the event succeeds, otherwise it fails
// with the given code and message.
func (e *Event) Set(code ErrorCode, message string) error {
	if e == nil {
		return errDestroyed("PJRT_Event_Set", "Event")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cEvent == 0 {
		return errDestroyed("PJRT_Event_Set", "Event")
	}
	msg := []byte(message)
	args := capi.New[capi.EventSetArgs]()
	args.Event = e.cEvent
	args.ErrorCode = int32(code)
	args.ErrorMessage = sliceAddr(msg)
	args.ErrorMessageSize = uintptr(len(msg))
	err := call(e.plugin, unsafe.Offsetof(e.plugin.api.EventSet), args)
	runtime.KeepAlive(msg)
	return err
}
