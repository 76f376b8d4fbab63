package pjrt

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gomlx/purepjrt/pjrt/internal/fakeplugin"
	"github.com/stretchr/testify/require"
)

func TestEvent(t *testing.T) {
	plugin := capture(GetPlugin(fakePluginName)).Test(t)
	liveEvents := fakeplugin.LiveEvents()

	t.Run("Success", func(t *testing.T) {
		event := capture(plugin.NewEvent()).Test(t)
		require.False(t, event.IsReady())
		onReady := make(chan error, 1)
		event.OnReady(func(err error) { onReady <- err })
		select {
		case <-event.Done():
			t.Fatal("event should not be ready before Set")
		case <-time.After(10 * time.Millisecond):
		}

		require.NoError(t, event.Set(CodeOK, ""))
		require.NoError(t, event.Await())
		require.NoError(t, <-onReady)
		require.True(t, event.IsReady())
		require.NoError(t, event.Err())

		// Await again returns the same outcome.
		require.NoError(t, event.Await())
	})

	t.Run("Failure", func(t *testing.T) {
		event := capture(plugin.NewEvent()).Test(t)
		require.NoError(t, event.Set(CodeInternal, "device on fire"))
		err := event.Await()
		fmt.Printf("Expected error: %v\n", err)
		require.ErrorContains(t, err, "device on fire")
		require.True(t, IsCode(err, CodeInternal))
		require.Equal(t, KindPlugin, KindOf(err))
		require.Equal(t, err, event.Err())
	})

	t.Run("AwaitContext", func(t *testing.T) {
		event := capture(plugin.NewEvent()).Test(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, event.AwaitContext(ctx), context.DeadlineExceeded)

		// The event is still valid after the context is done.
		require.NoError(t, event.Set(CodeOK, ""))
		require.NoError(t, event.AwaitContext(context.Background()))
	})

	t.Run("AwaitAll", func(t *testing.T) {
		events := make([]*Event, 4)
		for ii := range events {
			events[ii] = capture(plugin.NewEvent()).Test(t)
		}
		go func() {
			for ii, event := range events {
				code := CodeOK
				if ii == 2 {
					code = CodeAborted
				}
				_ = event.Set(code, fmt.Sprintf("event #%d", ii))
			}
		}()
		err := AwaitAll(context.Background(), events...)
		require.True(t, IsCode(err, CodeAborted), "unexpected error %v", err)
		for _, event := range events {
			<-event.Done()
		}
		require.NoError(t, AwaitAll(context.Background(), events[0], nil, events[1]))
		for _, event := range events {
			require.NoError(t, event.Destroy())
		}
	})

	t.Run("Destroy", func(t *testing.T) {
		event := capture(plugin.NewEvent()).Test(t)
		require.NoError(t, event.Destroy())
		require.NoError(t, event.Destroy())
		require.False(t, event.IsReady())
		require.ErrorIs(t, event.Set(CodeOK, ""), ErrDestroyed)

		// Registering after destruction completes the event with an error.
		require.ErrorIs(t, event.Await(), ErrDestroyed)

		var nilEvent *Event
		require.True(t, nilEvent.IsReady())
		require.ErrorIs(t, nilEvent.Await(), ErrDestroyed)
		require.NoError(t, nilEvent.Destroy())
	})

	t.Run("SetTwice", func(t *testing.T) {
		event := capture(plugin.NewEvent()).Test(t)
		require.NoError(t, event.Set(CodeOK, ""))
		err := event.Set(CodeOK, "")
		require.True(t, IsCode(err, CodeFailedPrecondition), "unexpected error %v", err)
		require.NoError(t, event.Await())
	})

	require.Eventually(t, func() bool { return fakeplugin.LiveEvents() == liveEvents },
		time.Second, time.Millisecond, "native events leaked")
}

func TestEventWithoutOnReady(t *testing.T) {
	plugin := capture(GetPlugin(fakeNoOnReadyPluginName)).Test(t)
	require.False(t, plugin.HasFunction("EventOnReady"))
	require.True(t, plugin.HasFunction("EventAwait"))
	liveEvents := fakeplugin.LiveEvents()
	destroyedWhileAwaited := fakeplugin.EventsDestroyedWhileAwaited()

	t.Run("Await", func(t *testing.T) {
		event := capture(plugin.NewEvent()).Test(t)
		done := event.Done()
		require.Eventually(t, func() bool { return fakeplugin.EventsAwaited() > 0 }, time.Second, time.Millisecond)
		require.False(t, event.IsReady())
		require.NoError(t, event.Set(CodeInternal, "late failure"))
		<-done
		err := event.Await()
		require.True(t, IsCode(err, CodeInternal), "unexpected error %v", err)
	})

	t.Run("DestroyWhileAwaiting", func(t *testing.T) {
		event := capture(plugin.NewEvent()).Test(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, event.AwaitContext(ctx), context.DeadlineExceeded)
		require.Eventually(t, func() bool { return fakeplugin.EventsAwaited() > 0 }, time.Second, time.Millisecond)

		// The handle is still in use by the pending PJRT_Event_Await: the native destroy waits for it.
		require.NoError(t, event.Destroy())
		require.NoError(t, event.Destroy())
		require.False(t, event.IsReady())
		require.ErrorIs(t, event.Set(CodeOK, ""), ErrDestroyed)

		fakeplugin.SetAwaitedEvents()
		<-event.Done()
		require.NoError(t, event.Err())
		require.True(t, event.IsReady())
	})

	require.Eventually(t, func() bool { return fakeplugin.LiveEvents() == liveEvents },
		time.Second, time.Millisecond, "native events leaked")
	require.Equal(t, destroyedWhileAwaited, fakeplugin.EventsDestroyedWhileAwaited(),
		"event handles destroyed while PJRT_Event_Await was blocked on them")
}

func TestEventNotAvailable(t *testing.T) {
	plugin := capture(GetPlugin(fakeOldPluginName)).Test(t)
	_, err := plugin.NewEvent()
	fmt.Printf("Expected error: %v\n", err)
	require.ErrorIs(t, err, ErrFunctionNotAvailable)
	require.Equal(t, KindABI, KindOf(err))
	require.True(t, IsCode(err, CodeUnimplemented))
}

func TestErrorsReleased(t *testing.T) {
	client := getFakeClient(t)
	liveErrors := fakeplugin.LiveErrors()
	for range 10 {
		_, err := client.LookupDevice(1000)
		require.Error(t, err)
	}
	require.Equal(t, liveErrors, fakeplugin.LiveErrors(), "PJRT_Error handles leaked")
}
