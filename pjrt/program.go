package pjrt

import (
	"os"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Program formats understood by the XLA plugins.
const (
	// ProgramFormatMLIR is a StableHLO program, as MLIR bytecode or text.
	ProgramFormatMLIR = "mlir"

	// ProgramFormatHLO is a serialized HloModuleProto.
	ProgramFormatHLO = "hlo"

	// ProgramFormatHLOWithConfig is a serialized HloModuleProtoWithConfig.
	ProgramFormatHLOWithConfig = "hlo_with_config"
)

// Program to be compiled by a plugin: an opaque payload and the format it is in. It is never interpreted by this
// package.
type Program struct {
	Format string
	Code   []byte
}

// NewProgram returns a Program with a copy of code.
func NewProgram(format string, code []byte) Program {
	return Program{Format: format, Code: slices.Clone(code)}
}

// ProgramFromFile reads the program from the file at path.
func ProgramFromFile(format, path string) (Program, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return Program{}, errors.WithStack(&Error{Kind: KindResource, Code: CodeNotFound, Function: "ProgramFromFile",
			Message: "failed to read program from " + path + ": " + err.Error(), cause: err})
	}
	return Program{Format: format, Code: code}, nil
}

// String returns a short description of the program, without its contents.
func (p Program) String() string {
	return "Program(" + p.Format + ", " + humanize.Bytes(uint64(len(p.Code))) + ")"
}
