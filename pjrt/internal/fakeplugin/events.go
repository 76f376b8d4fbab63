package fakeplugin

import (
	"sync"
	"sync/atomic"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// fakeEvent is a single-assignment completion. Its handle may be destroyed before it is set: whoever sets it holds
// the object.
type fakeEvent struct {
	mu        sync.Mutex
	done      chan struct{}
	ready     bool
	err       *fakeError
	callbacks []onReadyCallback
	awaiters  int
}

var (
	// awaitedEvents holds the events with a PJRT_Event_Await in progress.
	awaitedEvents sync.Map // *fakeEvent -> struct{}

	// destroyedWhileAwaited counts handles destroyed while a PJRT_Event_Await on them was still blocked: with a
	// real plugin, a use after free.
	destroyedWhileAwaited atomic.Int64
)

// EventsAwaited returns the number of events with a PJRT_Event_Await in progress.
func EventsAwaited() int {
	var count int
	awaitedEvents.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// SetAwaitedEvents completes successfully every event with a PJRT_Event_Await in progress.
func SetAwaitedEvents() {
	awaitedEvents.Range(func(key, _ any) bool {
		key.(*fakeEvent).set(nil)
		return true
	})
}

// EventsDestroyedWhileAwaited returns how many event handles were destroyed while being awaited.
func EventsDestroyedWhileAwaited() int64 { return destroyedWhileAwaited.Load() }

type onReadyCallback struct {
	fn, userArg uintptr
}

func newFakeEvent() *fakeEvent {
	return &fakeEvent{done: make(chan struct{})}
}

// completedEvent returns a new handle to an event already set with err.
func completedEvent(err *fakeError) uintptr {
	ev := newFakeEvent()
	ev.set(err)
	return ev.newHandle()
}

func (ev *fakeEvent) newHandle() uintptr {
	liveEvents.Add(1)
	return newHandle(ev)
}

// set completes the event and fires its callbacks, each with its own PJRT_Error handle.
// It returns false if the event was already set.
func (ev *fakeEvent) set(err *fakeError) bool {
	ev.mu.Lock()
	if ev.ready {
		ev.mu.Unlock()
		return false
	}
	ev.ready = true
	ev.err = err
	pending := ev.callbacks
	ev.callbacks = nil
	close(ev.done)
	ev.mu.Unlock()
	for _, cb := range pending {
		purego.SyscallN(cb.fn, err.handle(), cb.userArg)
	}
	return true
}

// wait blocks until the event is set, and returns its error.
func (ev *fakeEvent) wait() *fakeError {
	<-ev.done
	return ev.err
}

func lookupEvent(h uintptr) (*fakeEvent, *fakeError) {
	ev, found := lookup[*fakeEvent](h)
	if !found {
		return nil, errBadHandle("PJRT_Event", h)
	}
	return ev, nil
}

func eventDestroy(args *capi.EventDestroyArgs) *fakeError {
	obj, found := release(args.Event)
	if !found {
		return errBadHandle("PJRT_Event", args.Event)
	}
	if ev, ok := obj.(*fakeEvent); ok {
		ev.mu.Lock()
		if ev.awaiters > 0 {
			destroyedWhileAwaited.Add(1)
		}
		ev.mu.Unlock()
	}
	liveEvents.Add(-1)
	return nil
}

func eventIsReady(args *capi.EventIsReadyArgs) *fakeError {
	ev, err := lookupEvent(args.Event)
	if err != nil {
		return err
	}
	ev.mu.Lock()
	defer ev.mu.Unlock()
	args.IsReady = ev.ready
	return nil
}

func eventError(args *capi.EventErrorArgs) *fakeError {
	ev, err := lookupEvent(args.Event)
	if err != nil {
		return err
	}
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if !ev.ready {
		return errorf(capi.CodeFailedPrecondition, "PJRT_Event_Error called before the event is ready")
	}
	return ev.err
}

func eventAwait(args *capi.EventAwaitArgs) *fakeError {
	ev, err := lookupEvent(args.Event)
	if err != nil {
		return err
	}
	ev.mu.Lock()
	ev.awaiters++
	awaitedEvents.Store(ev, struct{}{})
	ev.mu.Unlock()
	defer func() {
		ev.mu.Lock()
		ev.awaiters--
		if ev.awaiters == 0 {
			awaitedEvents.Delete(ev)
		}
		ev.mu.Unlock()
	}()
	return ev.wait()
}

func eventOnReady(args *capi.EventOnReadyArgs) *fakeError {
	ev, err := lookupEvent(args.Event)
	if err != nil {
		return err
	}
	if args.Callback == 0 {
		return errorf(capi.CodeInvalidArgument, "PJRT_Event_OnReady given a null callback")
	}
	ev.mu.Lock()
	if !ev.ready {
		ev.callbacks = append(ev.callbacks, onReadyCallback{fn: args.Callback, userArg: args.UserArg})
		ev.mu.Unlock()
		return nil
	}
	evErr := ev.err
	ev.mu.Unlock()
	purego.SyscallN(args.Callback, evErr.handle(), args.UserArg)
	return nil
}

func eventCreate(args *capi.EventCreateArgs) *fakeError {
	args.Event = newFakeEvent().newHandle()
	return nil
}

func eventSet(args *capi.EventSetArgs) *fakeError {
	ev, err := lookupEvent(args.Event)
	if err != nil {
		return err
	}
	var evErr *fakeError
	if args.ErrorCode != 0 {
		evErr = &fakeError{code: args.ErrorCode, message: []byte(goString(args.ErrorMessage, args.ErrorMessageSize))}
	}
	if !ev.set(evErr) {
		return errorf(capi.CodeFailedPrecondition, "PJRT_Event_Set called on an event already set")
	}
	return nil
}
