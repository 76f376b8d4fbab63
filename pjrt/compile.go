package pjrt

import (
	"runtime"
	"unsafe"

	"github.com/gomlx/purepjrt/pjrt/internal/capi"
	"github.com/pkg/errors"
)

// CompileConfig is created with Client.Compile, and is a "builder pattern" to configure a compilation call.
//
// At a minimum one has to set the program to compile (use CompileConfig.WithProgram, CompileConfig.WithMLIR or
// CompileConfig.WithHLO). Optionally, the compile options can be set.
//
// Once finished call CompileConfig.Done to trigger the compilation and get back a LoadedExecutable or an error.
// A CompileConfig can only be used once.
type CompileConfig struct {
	client *Client

	program    Program
	hasProgram bool

	// options are kept encoded: they are a snapshot of the CompileOptions given.
	options []byte

	// err saves an error during the configuration.
	err error
}

func newCompileConfig(client *Client) *CompileConfig {
	return &CompileConfig{
		client:  client,
		options: NewCompileOptions().Encode(),
	}
}

// WithProgram configures the program to compile.
// Only one program can be given, a second one will make Done return an error.
//
// It returns itself (CompileConfig) to allow cascading configuration calls.
func (cc *CompileConfig) WithProgram(program Program) *CompileConfig {
	if cc.err != nil {
		return cc
	}
	if cc.hasProgram {
		cc.err = newError(KindInvalidArgument, CodeInvalidArgument, "PJRT_Client_Compile",
			"Client.Compile() was given the program more than once")
		return cc
	}
	cc.program = program
	cc.hasProgram = true
	return cc
}

// WithMLIR configures the program to the given StableHLO program, as MLIR bytecode or text.
func (cc *CompileConfig) WithMLIR(code []byte) *CompileConfig {
	return cc.WithProgram(Program{Format: ProgramFormatMLIR, Code: code})
}

// WithHLO configures the program to the serialized HLO (HloModule proto).
func (cc *CompileConfig) WithHLO(serialized []byte) *CompileConfig {
	return cc.WithProgram(Program{Format: ProgramFormatHLO, Code: serialized})
}

// WithOptions sets the compile options. They are encoded immediately, later changes to options are not seen.
// The default is NewCompileOptions().
func (cc *CompileConfig) WithOptions(options *CompileOptions) *CompileConfig {
	if cc.err != nil {
		return cc
	}
	if options == nil {
		cc.err = newError(KindInvalidArgument, CodeInvalidArgument, "PJRT_Client_Compile", "nil CompileOptions")
		return cc
	}
	cc.options = options.Encode()
	return cc
}

// WithEncodedOptions sets the compile options to an already serialized xla.CompileOptionsProto, which is passed
// through unchanged.
func (cc *CompileConfig) WithEncodedOptions(encoded []byte) *CompileConfig {
	if cc.err != nil {
		return cc
	}
	cc.options = encoded
	return cc
}

// Done triggers the compilation of the program. If the compilation succeeds a LoadedExecutable is returned, otherwise
// an error is returned.
func (cc *CompileConfig) Done() (*LoadedExecutable, error) {
	const name = "PJRT_Client_Compile"
	if cc.client == nil {
		return nil, newError(KindInvalidArgument, CodeFailedPrecondition, "PJRT_Client_Compile", "misconfigured CompileConfig, or an attempt of using it more than once, which is not supported -- call Client.Compile() again")
	}
	client := cc.client

	// CompileConfig can only be used once.
	defer func() {
		cc.client = nil
	}()

	if cc.err != nil {
		return nil, cc.err
	}
	if err := client.checkValid(name); err != nil {
		return nil, err
	}
	if !cc.hasProgram {
		return nil, newError(KindInvalidArgument, CodeInvalidArgument, name,
			"no program given to Client.Compile(), use Client.Compile().WithProgram() (or WithMLIR, WithHLO) to "+
				"specify a program, before calling Done()")
	}
	cProgram, err := programToC(cc.program, name)
	if err != nil {
		return nil, err
	}
	defer runtime.KeepAlive(client)

	args := capi.New[capi.ClientCompileArgs]()
	args.Client = client.client
	args.Program = uintptr(unsafe.Pointer(cProgram))
	args.CompileOptions = sliceAddr(cc.options)
	args.CompileOptionsSize = uintptr(len(cc.options))
	err = call(client.plugin, unsafe.Offsetof(client.plugin.api.ClientCompile), args)
	runtime.KeepAlive(cProgram)
	runtime.KeepAlive(cc.program.Code)
	runtime.KeepAlive(cc.options)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compile %s", cc.program)
	}
	return newLoadedExecutable(client, args.Executable)
}

// programToC returns the PJRT_Program pointing to the program's code and format. Both must be kept alive while
// it is in use.
func programToC(program Program, function string) (*capi.Program, error) {
	if program.Format == "" || len(program.Code) == 0 {
		return nil, newError(KindInvalidArgument, CodeInvalidArgument, function,
			"program must have a format and a non-empty code, got %s", program)
	}
	cProgram := capi.New[capi.Program]()
	cProgram.Code = sliceAddr(program.Code)
	cProgram.CodeSize = uintptr(len(program.Code))
	cProgram.Format, cProgram.FormatSize = stringAddr(program.Format)
	return cProgram, nil
}

// CompileForTopology compiles the program for the given topology, without loading it: the returned Executable can
// be serialized (see Executable.Serialize) and later loaded with Client.DeserializeAndLoad.
//
// If options is nil, NewCompileOptions() is used. The client is optional, and if given the plugin may use it to
// compile for the client's devices.
func (p *Plugin) CompileForTopology(topology *TopologyDescription, program Program, options *CompileOptions,
	client *Client) (*Executable, error) {
	const name = "PJRT_Compile"
	if err := topology.checkValid(name); err != nil {
		return nil, err
	}
	if options == nil {
		options = NewCompileOptions()
	}
	cProgram, err := programToC(program, name)
	if err != nil {
		return nil, err
	}
	encoded := options.Encode()

	args := capi.New[capi.CompileArgs]()
	args.Topology = topology.cTopology
	args.Program = uintptr(unsafe.Pointer(cProgram))
	args.CompileOptions = sliceAddr(encoded)
	args.CompileOptionsSize = uintptr(len(encoded))
	if client != nil {
		if err := client.checkValid(name); err != nil {
			return nil, err
		}
		args.Client = client.client
	}
	err = call(p, unsafe.Offsetof(p.api.Compile), args)
	runtime.KeepAlive(cProgram)
	runtime.KeepAlive(program.Code)
	runtime.KeepAlive(encoded)
	runtime.KeepAlive(topology)
	runtime.KeepAlive(client)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compile %s for topology", program)
	}
	return newExecutable(p, args.Executable), nil
}
