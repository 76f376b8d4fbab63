package pjrt

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KeyValueStore is the distributed key-value store multi-process clients use to exchange topology and
// coordination data while they are created. It is usually backed by the coordination service of the distributed
// runtime. See Plugin.NewClientWithKeyValueStore.
//
// It is called from plugin threads, concurrently.
type KeyValueStore interface {
	// Get blocks until key is set, or the timeout expires. A timeout <= 0 waits forever.
	Get(key string, timeout time.Duration) (string, error)

	// TryGet returns the value of key without blocking, or an error wrapping ErrKeyNotFound.
	TryGet(key string) (string, error)

	// Put sets the value of key.
	Put(key, value string) error
}

// ErrKeyNotFound is returned by KeyValueStore.TryGet for keys not set.
var ErrKeyNotFound = errors.New("key not found in key-value store")

// NewClientWithKeyValueStore creates a new Client that uses store to coordinate with the clients of the other
// processes. The options are plugin specific, typically the process index and the number of processes.
func (p *Plugin) NewClientWithKeyValueStore(options NamedValuesMap, store KeyValueStore) (*Client, error) {
	if store == nil {
		return nil, errInvalidArgument("PJRT_Client_Create", "nil KeyValueStore")
	}
	return newClient(p, options, store)
}

// Stores are handed to the plugin as the user argument of the callbacks: an id in this registry.
var (
	keyValueStores      sync.Map // uintptr -> KeyValueStore
	nextKeyValueStoreID atomic.Uintptr

	// keyValuesOwned keeps the values returned by get callbacks alive until the plugin calls the value deleter.
	keyValuesOwned sync.Map // value address -> []byte
)

func registerKeyValueStore(store KeyValueStore) uintptr {
	id := nextKeyValueStoreID.Add(1)
	keyValueStores.Store(id, store)
	return id
}

func releaseKeyValueStore(id uintptr) {
	if id != 0 {
		keyValueStores.Delete(id)
	}
}

type keyValueCallbacks struct {
	get, tryGet, put, valueDeleter uintptr
}

var keyValueCallbackPtrs func() *keyValueCallbacks

func init() {
	keyValueCallbackPtrs = sync.OnceValue(func() *keyValueCallbacks {
		return &keyValueCallbacks{
			get:          purego.NewCallback(keyValueGetCallback),
			tryGet:       purego.NewCallback(keyValueTryGetCallback),
			put:          purego.NewCallback(keyValuePutCallback),
			valueDeleter: purego.NewCallback(keyValueDeleter),
		}
	})
}

func keyValueStoreFor(id uintptr) (KeyValueStore, error) {
	store, found := keyValueStores.Load(id)
	if !found {
		return nil, newError(KindInvalidArgument, CodeInternal, "KeyValueStore", "no key-value store with id %d", id)
	}
	return store.(KeyValueStore), nil
}

// keyValueErrorCode is the PJRT error code reported to the plugin for err.
func keyValueErrorCode(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return CodeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	}
	if pErr, ok := asError(err); ok {
		return pErr.Code
	}
	return CodeUnknown
}

// callbackError converts err to a PJRT_Error* with the plugin's PJRT_CallbackError.
func callbackError(fn uintptr, err error) uintptr {
	if fn == 0 {
		klog.Errorf("KeyValueStore failed, and the plugin gave no callback to report it: %v", err)
		return 0
	}
	msg := []byte(err.Error())
	r1, _, _ := purego.SyscallN(fn, uintptr(keyValueErrorCode(err)), sliceAddr(msg), uintptr(len(msg)))
	runtime.KeepAlive(msg)
	return r1
}

// keyValueToC returns a copy of value the plugin owns until it calls the value deleter.
func keyValueToC(value string) (data, size uintptr) {
	buf := make([]byte, len(value)+1)
	copy(buf, value)
	data = uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	keyValuesOwned.Store(data, buf)
	return data, uintptr(len(value))
}

func keyValueDeleter(value uintptr) uintptr {
	keyValuesOwned.Delete(value)
	return 0
}

func keyValueGetCallback(args *capi.KeyValueGetCallbackArgs) uintptr {
	store, err := keyValueStoreFor(args.UserArg)
	if err != nil {
		return callbackError(args.CallbackError, err)
	}
	timeout := time.Duration(args.TimeoutInMs) * time.Millisecond
	value, err := store.Get(cString(args.Key, args.KeySize), timeout)
	if err != nil {
		return callbackError(args.CallbackError, err)
	}
	args.Value, args.ValueSize = keyValueToC(value)
	args.ValueDeleterCallback = keyValueCallbackPtrs().valueDeleter
	return 0
}

func keyValueTryGetCallback(args *capi.KeyValueTryGetCallbackArgs) uintptr {
	store, err := keyValueStoreFor(args.UserArg)
	if err != nil {
		return callbackError(args.CallbackError, err)
	}
	value, err := store.TryGet(cString(args.Key, args.KeySize))
	if err != nil {
		return callbackError(args.CallbackError, err)
	}
	args.Value, args.ValueSize = keyValueToC(value)
	args.ValueDeleterCallback = keyValueCallbackPtrs().valueDeleter
	return 0
}

func keyValuePutCallback(args *capi.KeyValuePutCallbackArgs) uintptr {
	store, err := keyValueStoreFor(args.UserArg)
	if err != nil {
		return callbackError(args.CallbackError, err)
	}
	if err := store.Put(cString(args.Key, args.KeySize), cString(args.Value, args.ValueSize)); err != nil {
		return callbackError(args.CallbackError, err)
	}
	return 0
}

// MemoryKeyValueStore is a KeyValueStore in process memory, for clients of the same process (e.g. to emulate a
// multi-process setup in tests). It is safe for concurrent use.
type MemoryKeyValueStore struct {
	mu      sync.Mutex
	values  map[string]string
	waiters map[string]chan struct{}
}

var _ KeyValueStore = (*MemoryKeyValueStore)(nil)

// NewMemoryKeyValueStore returns an empty MemoryKeyValueStore.
func NewMemoryKeyValueStore() *MemoryKeyValueStore {
	return &MemoryKeyValueStore{
		values:  make(map[string]string),
		waiters: make(map[string]chan struct{}),
	}
}

// Put implements KeyValueStore. Values can be overwritten.
func (s *MemoryKeyValueStore) Put(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	if ch, found := s.waiters[key]; found {
		close(ch)
		delete(s.waiters, key)
	}
	return nil
}

// TryGet implements KeyValueStore.
func (s *MemoryKeyValueStore) TryGet(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, found := s.values[key]
	if !found {
		return "", errors.Wrapf(ErrKeyNotFound, "key %q", key)
	}
	return value, nil
}

// Get implements KeyValueStore.
func (s *MemoryKeyValueStore) Get(key string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	if value, found := s.values[key]; found {
		s.mu.Unlock()
		return value, nil
	}
	ch, found := s.waiters[key]
	if !found {
		ch = make(chan struct{})
		s.waiters[key] = ch
	}
	s.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-ch:
		return s.TryGet(key)
	case <-expired:
		return "", errors.Wrapf(context.DeadlineExceeded, "waiting %s for key %q", timeout, key)
	}
}
