package fakeplugin

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/purepjrt/dtypes"
	"github.com/gomlx/purepjrt/pjrt/internal/capi"
)

// ProgramFormats accepted by the fake compiler. The code is the same text in all of them.
var ProgramFormats = []string{"mlir", "hlo", "hlo_with_config", "fake"}

// program is a parsed fake program. Its text is one operation followed by its operands:
//
//	identity <shape>...   one parameter per shape, returned unchanged.
//	fail <shape>...       like identity, but the execution fails.
//	recv <channel> <shape>  no parameters, one output received from the host on the channel.
//
// Shapes are written as dtype[dims], e.g. "f32[2,3]" or "s32[]".
type program struct {
	op      string
	params  []shape
	outputs []shape
	channel int64
}

type shape struct {
	dtype dtypes.DType
	dims  []int64
}

// size in bytes of a dense array of the shape.
func (s shape) size() int {
	size, _ := checkShape(s.dtype, s.dims)
	return size
}

func (s shape) matches(dtype dtypes.DType, dims []int64) bool {
	if s.dtype != dtype || len(s.dims) != len(dims) {
		return false
	}
	for axis, dim := range s.dims {
		if dims[axis] != dim {
			return false
		}
	}
	return true
}

func (s shape) String() string {
	parts := make([]string, len(s.dims))
	for axis, dim := range s.dims {
		parts[axis] = strconv.FormatInt(dim, 10)
	}
	return strings.ToLower(s.dtype.String()) + "[" + strings.Join(parts, ",") + "]"
}

func parseShape(text string) (shape, *fakeError) {
	open := strings.IndexByte(text, '[')
	if open <= 0 || !strings.HasSuffix(text, "]") {
		return shape{}, errorf(capi.CodeInvalidArgument, "invalid shape %q, expected dtype[dims]", text)
	}
	dtype, found := dtypes.MapOfNames[text[:open]]
	if !found {
		return shape{}, errorf(capi.CodeInvalidArgument, "unknown dtype in shape %q", text)
	}
	s := shape{dtype: dtype, dims: []int64{}}
	if dimsText := text[open+1 : len(text)-1]; dimsText != "" {
		for _, dimText := range strings.Split(dimsText, ",") {
			dim, err := strconv.ParseInt(strings.TrimSpace(dimText), 10, 64)
			if err != nil {
				return shape{}, errorf(capi.CodeInvalidArgument, "invalid dimension in shape %q", text)
			}
			s.dims = append(s.dims, dim)
		}
	}
	if _, err := checkShape(s.dtype, s.dims); err != nil {
		return shape{}, err
	}
	return s, nil
}

// parseProgram parses the program text in code, given in format.
func parseProgram(format string, code []byte) (*program, *fakeError) {
	if !slices.Contains(ProgramFormats, format) {
		return nil, errorf(capi.CodeInvalidArgument, "unknown program format %q", format)
	}
	fields := strings.Fields(string(code))
	if len(fields) == 0 {
		return nil, errorf(capi.CodeInvalidArgument, "empty program")
	}
	p := &program{op: fields[0]}
	operands := fields[1:]
	switch p.op {
	case "identity", "fail":
		for _, text := range operands {
			s, err := parseShape(text)
			if err != nil {
				return nil, err
			}
			p.params = append(p.params, s)
		}
		p.outputs = p.params
	case "recv":
		if len(operands) != 2 {
			return nil, errorf(capi.CodeInvalidArgument, "recv takes a channel and a shape, got %q", operands)
		}
		channel, err := strconv.ParseInt(operands[0], 10, 64)
		if err != nil {
			return nil, errorf(capi.CodeInvalidArgument, "invalid recv channel %q", operands[0])
		}
		p.channel = channel
		s, fErr := parseShape(operands[1])
		if fErr != nil {
			return nil, fErr
		}
		p.outputs = []shape{s}
	default:
		return nil, errorf(capi.CodeInvalidArgument, "unknown operation %q", p.op)
	}
	return p, nil
}
