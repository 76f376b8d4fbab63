package pjrt

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"k8s.io/klog/v2"
)

// ExecuteContext carries plugin specific state for an execution, like user data for FFI handlers.
// Pass it to an execution with ExecutionConfig.WithContext.
//
// It must be destroyed (it is also destroyed when garbage collected), but only after the executions using it are
// done.
type ExecuteContext struct {
	plugin *Plugin

	mu       sync.Mutex
	cContext uintptr
}

// NewExecuteContext creates a new ExecuteContext.
func (p *Plugin) NewExecuteContext() (*ExecuteContext, error) {
	args := capi.New[capi.ExecuteContextCreateArgs]()
	err := call(p, unsafe.Offsetof(p.api.ExecuteContextCreate), args)
	if err != nil {
		return nil, err
	}
	ec := &ExecuteContext{plugin: p, cContext: args.Context}
	runtime.SetFinalizer(ec, func(ec *ExecuteContext) {
		if err := ec.Destroy(); err != nil {
			klog.Errorf("ExecuteContext.Destroy failed: %v", err)
		}
	})
	return ec, nil
}

// Destroy the ExecuteContext. It is idempotent.
func (ec *ExecuteContext) Destroy() error {
	if ec == nil || ec.plugin == nil {
		return nil
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.cContext == 0 {
		return nil
	}
	args := capi.New[capi.ExecuteContextDestroyArgs]()
	args.Context = ec.cContext
	ec.cContext = 0
	return call(ec.plugin, unsafe.Offsetof(ec.plugin.api.ExecuteContextDestroy), args)
}

func (ec *ExecuteContext) handle(function string) (uintptr, error) {
	if ec == nil || ec.plugin == nil {
		return 0, errDestroyed(function, "ExecuteContext")
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.cContext == 0 {
		return 0, errDestroyed(function, "ExecuteContext")
	}
	return ec.cContext, nil
}
