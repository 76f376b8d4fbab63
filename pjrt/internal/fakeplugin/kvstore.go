package fakeplugin

import (
	"maps"
	"runtime"
	"strconv"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// KeyValuePrefix is the prefix of the keys of the handshake clients created with key-value store callbacks do:
// each process puts its number of devices under KeyValuePrefix+<process_index>, and gets those of every process
// (options "process_index" and "num_processes").
const KeyValuePrefix = "fake/num_devices/"

// KeyValueAbsentKey is read with the try-get callback during the handshake: it must report NOT_FOUND.
const KeyValueAbsentKey = "fake/absent"

// defaultKeyValueTimeout of the handshake gets, unless the "kv_timeout_ms" option is given.
const defaultKeyValueTimeout = time.Second

// ClientKeyValues returns the values the client read from the key-value store when it was created.
func ClientKeyValues(client uintptr) map[string]string {
	c, found := lookup[*fakeClient](client)
	if !found {
		return nil
	}
	return maps.Clone(c.keyValues)
}

// takeError releases a PJRT_Error handle returned by a callback, and returns its object.
func takeError(h uintptr) *fakeError {
	if h == 0 {
		return nil
	}
	obj, found := release(h)
	if !found {
		return errorf(capi.CodeInternal, "callback returned unknown PJRT_Error 0x%x", h)
	}
	liveErrors.Add(-1)
	e, ok := obj.(*fakeError)
	if !ok {
		return errorf(capi.CodeInternal, "callback returned invalid PJRT_Error 0x%x", h)
	}
	return e
}

// callbackError is the native PJRT_CallbackError given to the key-value store callbacks.
func callbackError(code, message, messageSize uintptr) uintptr {
	return (&fakeError{code: int32(code), message: []byte(goString(message, messageSize))}).handle()
}

func intOption(options map[string]any, name string, defaultValue int64) (int64, *fakeError) {
	v, found := options[name]
	if !found {
		return defaultValue, nil
	}
	n, ok := v.(int64)
	if !ok || n < 0 {
		return 0, errorf(capi.CodeInvalidArgument, "option %s must be a non-negative int64, got %v", name, v)
	}
	return n, nil
}

// keyValueHandshake exchanges the number of devices of every process through the caller's key-value store.
func keyValueHandshake(args *capi.ClientCreateArgs, options map[string]any, numDevices int) (map[string]string, *fakeError) {
	if args.KVGetCallback == 0 || args.KVPutCallback == 0 {
		return nil, errorf(capi.CodeInvalidArgument, "key-value store get and put callbacks must be given together")
	}
	processIndex, err := intOption(options, "process_index", 0)
	if err != nil {
		return nil, err
	}
	numProcesses, err := intOption(options, "num_processes", 1)
	if err != nil {
		return nil, err
	}
	timeoutMs, err := intOption(options, "kv_timeout_ms", defaultKeyValueTimeout.Milliseconds())
	if err != nil {
		return nil, err
	}
	if processIndex >= numProcesses {
		return nil, errorf(capi.CodeInvalidArgument, "process_index %d out of range for %d processes", processIndex, numProcesses)
	}

	own := KeyValuePrefix + strconv.FormatInt(processIndex, 10)
	if err := keyValuePut(args, own, strconv.Itoa(numDevices)); err != nil {
		return nil, err
	}
	values := make(map[string]string)
	for p := range numProcesses {
		key := KeyValuePrefix + strconv.FormatInt(p, 10)
		value, err := keyValueGet(args, key, int32(timeoutMs))
		if err != nil {
			return nil, err
		}
		values[key] = value
	}
	if args.KVTryGetCallback != 0 {
		if _, err := keyValueTryGet(args, own); err != nil {
			return nil, err
		}
		_, err := keyValueTryGet(args, KeyValueAbsentKey)
		if err == nil || err.code != capi.CodeNotFound {
			return nil, errorf(capi.CodeInternal, "try-get of %q: expected NOT_FOUND, got %v", KeyValueAbsentKey, err)
		}
	}
	return values, nil
}

func keyValuePut(args *capi.ClientCreateArgs, key, value string) *fakeError {
	keyBytes, valueBytes := []byte(key), []byte(value)
	put := capi.New[capi.KeyValuePutCallbackArgs]()
	put.Key, put.KeySize = addr(keyBytes), uintptr(len(keyBytes))
	put.Value, put.ValueSize = addr(valueBytes), uintptr(len(valueBytes))
	put.CallbackError = callbacks().callbackError
	put.UserArg = args.KVPutUserArg
	r1, _, _ := purego.SyscallN(args.KVPutCallback, uintptr(unsafe.Pointer(put)))
	runtime.KeepAlive(keyBytes)
	runtime.KeepAlive(valueBytes)
	runtime.KeepAlive(put)
	return takeError(r1)
}

func keyValueGet(args *capi.ClientCreateArgs, key string, timeoutMs int32) (string, *fakeError) {
	keyBytes := []byte(key)
	get := capi.New[capi.KeyValueGetCallbackArgs]()
	get.Key, get.KeySize = addr(keyBytes), uintptr(len(keyBytes))
	get.TimeoutInMs = timeoutMs
	get.CallbackError = callbacks().callbackError
	get.UserArg = args.KVGetUserArg
	r1, _, _ := purego.SyscallN(args.KVGetCallback, uintptr(unsafe.Pointer(get)))
	runtime.KeepAlive(keyBytes)
	runtime.KeepAlive(get)
	if err := takeError(r1); err != nil {
		return "", err
	}
	return takeValue(get.Value, get.ValueSize, get.ValueDeleterCallback), nil
}

func keyValueTryGet(args *capi.ClientCreateArgs, key string) (string, *fakeError) {
	keyBytes := []byte(key)
	get := capi.New[capi.KeyValueTryGetCallbackArgs]()
	get.Key, get.KeySize = addr(keyBytes), uintptr(len(keyBytes))
	get.CallbackError = callbacks().callbackError
	get.UserArg = args.KVTryGetUserArg
	r1, _, _ := purego.SyscallN(args.KVTryGetCallback, uintptr(unsafe.Pointer(get)))
	runtime.KeepAlive(keyBytes)
	runtime.KeepAlive(get)
	if err := takeError(r1); err != nil {
		return "", err
	}
	return takeValue(get.Value, get.ValueSize, get.ValueDeleterCallback), nil
}

// takeValue copies a value returned by a get callback, and frees it with its deleter.
func takeValue(value, size, deleter uintptr) string {
	v := goString(value, size)
	if value != 0 && deleter != 0 {
		purego.SyscallN(deleter, value)
	}
	return v
}
