package executor

import (
	"strconv"

	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/topology"
)

// Op is one of the helper's closed command vocabulary. Nothing outside
// this set ever reaches the privileged side.
type Op string

const (
	OpPark        Op = "park"
	OpUnpark      Op = "unpark"
	OpSetPriority Op = "setpriority"
)

// I/O scheduling classes as defined by the kernel. Zero means "leave the
// I/O class untouched".
const (
	IOClassNone       = 0
	IOClassRealtime   = 1
	IOClassBestEffort = 2
	IOClassIdle       = 3
)

const (
	minNice = -20
	maxNice = 19
)

// Request names exactly one privileged operation with typed arguments.
// The elevated command line is built from these fields only; free-form
// text never crosses the privilege boundary.
type Request struct {
	Op      Op
	Core    topology.CoreID
	PID     int
	Nice    int
	IOClass int
}

// Validate rejects any argument outside the declared ranges before a
// write is attempted.
func (r Request) Validate() error {
	errFactory := errors.New()

	switch r.Op {
	case OpPark, OpUnpark:
		if r.Core < 0 {
			return errFactory.WithData(errors.ErrInvalidRequest, struct {
				Field string
				Value int
			}{"core", int(r.Core)})
		}
	case OpSetPriority:
		if r.PID <= 0 {
			return errFactory.WithData(errors.ErrInvalidRequest, struct {
				Field string
				Value int
			}{"pid", r.PID})
		}
		if r.Nice < minNice || r.Nice > maxNice {
			return errFactory.WithData(errors.ErrInvalidRequest, struct {
				Field string
				Value int
			}{"nice", r.Nice})
		}
		if r.IOClass < IOClassNone || r.IOClass > IOClassIdle {
			return errFactory.WithData(errors.ErrInvalidRequest, struct {
				Field string
				Value int
			}{"ioclass", r.IOClass})
		}
	default:
		return errFactory.WithData(errors.ErrInvalidRequest, struct {
			Field string
			Value string
		}{"op", string(r.Op)})
	}

	return nil
}

// Args renders the request as helper argv.
func (r Request) Args() []string {
	switch r.Op {
	case OpPark, OpUnpark:
		return []string{string(r.Op), strconv.Itoa(int(r.Core))}
	case OpSetPriority:
		return []string{string(r.Op), strconv.Itoa(r.PID), strconv.Itoa(r.Nice), strconv.Itoa(r.IOClass)}
	default:
		return nil
	}
}

// ParseArgs is the helper-side inverse of Args. Shape errors map to
// invalid_request; range checking is left to Validate.
func ParseArgs(args []string) (Request, error) {
	errFactory := errors.New()
	invalid := func(reason string) (Request, error) {
		return Request{}, errFactory.WithMessage(errors.ErrInvalidRequest, reason)
	}

	if len(args) == 0 {
		return invalid("empty request")
	}

	switch Op(args[0]) {
	case OpPark, OpUnpark:
		if len(args) != 2 {
			return invalid("park/unpark take exactly one core id")
		}
		core, err := strconv.Atoi(args[1])
		if err != nil {
			return invalid("core id is not an integer")
		}
		req := Request{Op: Op(args[0]), Core: topology.CoreID(core)}

		return req, req.Validate()
	case OpSetPriority:
		if len(args) != 4 {
			return invalid("setpriority takes pid, nice and ioclass")
		}
		pid, err := strconv.Atoi(args[1])
		if err != nil {
			return invalid("pid is not an integer")
		}
		nice, err := strconv.Atoi(args[2])
		if err != nil {
			return invalid("nice is not an integer")
		}
		ioClass, err := strconv.Atoi(args[3])
		if err != nil {
			return invalid("ioclass is not an integer")
		}
		req := Request{Op: OpSetPriority, PID: pid, Nice: nice, IOClass: ioClass}

		return req, req.Validate()
	default:
		return invalid("unknown operation " + args[0])
	}
}

// Exit codes shared between client and helper. The helper speaks only
// through these and stderr.
const (
	ExitOK               = 0
	ExitInvalidRequest   = 2
	ExitTargetNotFound   = 3
	ExitPermissionDenied = 4
	ExitWriteFailed      = 5
)

// ExitCodeFor maps a coded error onto the helper's exit vocabulary.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}

	switch errors.CodeOf(err) {
	case errors.ErrInvalidRequest:
		return ExitInvalidRequest
	case errors.ErrTargetNotFound:
		return ExitTargetNotFound
	case errors.ErrPermissionDenied:
		return ExitPermissionDenied
	default:
		return ExitWriteFailed
	}
}

func errorForExit(code int, detail string) error {
	errFactory := errors.New()

	toErr := func(c errors.ErrorCode) error {
		if detail != "" {
			return errFactory.WithData(c, detail)
		}

		return errFactory.New(c)
	}

	switch code {
	case ExitOK:
		return nil
	case ExitInvalidRequest:
		return toErr(errors.ErrInvalidRequest)
	case ExitTargetNotFound:
		return toErr(errors.ErrTargetNotFound)
	case ExitPermissionDenied:
		return toErr(errors.ErrPermissionDenied)
	case ExitWriteFailed:
		return toErr(errors.ErrWriteFailed)
	default:
		// sudo itself exits 1 when the NOPASSWD rule is missing.
		return toErr(errors.ErrPermissionDenied)
	}
}
