package pjrt

import (
	"context"
	"fmt"
	"testing"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	client := getFakeClient(t)
	exec := compileFake(t, client, "identity f32[] f32[]")

	// Call with no arguments: should return an error.
	_, err := exec.Execute().Done()
	require.ErrorContains(t, err, "PJRT error")
	require.True(t, IsCode(err, CodeInvalidArgument))
	require.Equal(t, KindPlugin, KindOf(err))
	fmt.Printf("Received expected error: %s\n", err)

	var pErr *Error
	require.True(t, errors.As(err, &pErr))
	require.Equal(t, CodeInvalidArgument, pErr.Code)
	require.NotEmpty(t, pErr.Message)
	require.Contains(t, pErr.Function, "Execute")

	// Shape mismatch.
	x := capture(ScalarToBuffer(client, int32(1))).Test(t)
	defer func() { require.NoError(t, x.Destroy()) }()
	_, err = exec.Execute(x, x).Done()
	fmt.Printf("Received expected error: %s\n", err)
	require.True(t, IsCode(err, CodeInvalidArgument))
}

func TestErrorFailedExecution(t *testing.T) {
	client := getFakeClient(t)
	exec := compileFake(t, client, "fail s32[]")
	x := capture(ScalarToBuffer(client, int32(7))).Test(t)
	defer func() { require.NoError(t, x.Destroy()) }()
	outputs, err := exec.Execute(x).Done()
	fmt.Printf("Received expected error: %s\n", err)
	require.True(t, IsCode(err, CodeInternal))
	require.ErrorContains(t, err, "execution of \"fail\" failed")
	require.Empty(t, outputs)
}

func TestErrorHelpers(t *testing.T) {
	err := newError(KindInvalidArgument, CodeOutOfRange, "Test", "value %d too large", 42)
	require.Equal(t, "PJRT error (code=11 OUT_OF_RANGE) in Test: value 42 too large", err.Error())
	require.Equal(t, CodeOutOfRange, CodeOf(err))
	require.Equal(t, KindInvalidArgument, KindOf(err))
	require.True(t, IsCode(errors.WithMessage(err, "wrapped"), CodeOutOfRange))

	// Errors not from this package.
	other := errors.New("some other error")
	require.Equal(t, CodeInternal, CodeOf(other))
	require.Equal(t, KindUnknown, KindOf(other))
	require.Equal(t, KindUnknown, KindOf(context.Canceled))
	require.Equal(t, "Unknown", KindUnknown.String())
	require.False(t, IsCode(other, CodeInternal))

	// Sentinels.
	err = errDestroyed("PJRT_Buffer_Destroy", "Buffer")
	require.ErrorIs(t, err, ErrDestroyed)
	require.Equal(t, CodeFailedPrecondition, CodeOf(err))

	require.Equal(t, "UNIMPLEMENTED", CodeUnimplemented.String())
	require.Equal(t, "ErrorCode(99)", ErrorCode(99).String())
	require.Equal(t, "Coordination", KindCoordination.String())
}

func TestErrorDestroyedObjects(t *testing.T) {
	plugin := capture(GetPlugin(fakePluginName)).Test(t)
	client := capture(plugin.NewClient(nil)).Test(t)
	buffer := capture(ArrayToBuffer(client, []float32{1, 2, 3}, 3)).Test(t)
	require.NoError(t, buffer.Destroy())
	require.NoError(t, buffer.Destroy()) // Idempotent.
	_, err := buffer.DType()
	require.ErrorIs(t, err, ErrDestroyed)
	_, _, err = BufferToArray[float32](buffer)
	require.ErrorIs(t, err, ErrDestroyed)

	require.NoError(t, client.Destroy())
	require.NoError(t, client.Destroy())
	_, err = client.LookupDevice(0)
	require.ErrorIs(t, err, ErrDestroyed)
	_, err = ScalarToBuffer(client, float32(1))
	require.ErrorIs(t, err, ErrDestroyed)
	_, err = client.Compile().WithProgram(NewProgram("fake", []byte("identity f32[]"))).Done()
	require.ErrorIs(t, err, ErrDestroyed)
	_, err = client.BufferFromHost().FromRawData(make([]byte, 4), dtypes.Float32, nil).Done()
	require.ErrorIs(t, err, ErrDestroyed)
}
