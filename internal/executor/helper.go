package executor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/priority"
	"codeberg.org/mutker/lassoctl/internal/topology"
)

// Helper is the privileged side of the protocol. It performs exactly the
// requested kernel-facing write and nothing else, holding no state
// between invocations. SysfsRoot is injectable for tests.
type Helper struct {
	SysfsRoot string
}

func NewHelper() *Helper {
	return &Helper{SysfsRoot: topology.DefaultSysfsRoot}
}

// Execute performs one validated request.
func (h *Helper) Execute(req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	switch req.Op {
	case OpPark:
		return h.writeOnline(req.Core, "0")
	case OpUnpark:
		return h.writeOnline(req.Core, "1")
	case OpSetPriority:
		return h.setPriority(req)
	default:
		return errors.New().New(errors.ErrInvalidRequest)
	}
}

func (h *Helper) writeOnline(core topology.CoreID, value string) error {
	errFactory := errors.New()

	path := filepath.Join(h.SysfsRoot, "cpu"+strconv.Itoa(int(core)), "online")
	err := os.WriteFile(path, []byte(value), 0o644)
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		// cpu0 has no online file (bootstrap processor) and parked
		// cores keep theirs, so absence means the core id is bogus.
		return errFactory.Wrap(errors.ErrTargetNotFound, err)
	case os.IsPermission(err):
		return errFactory.Wrap(errors.ErrPermissionDenied, err)
	default:
		// The kernel refuses some transitions outright, e.g. taking
		// the last online core offline returns EBUSY.
		return errFactory.Wrap(errors.ErrWriteFailed, err)
	}
}

func (h *Helper) setPriority(req Request) error {
	if err := priority.ApplyNice(req.PID, req.Nice); err != nil {
		return err
	}
	if req.IOClass != IOClassNone {
		return priority.ApplyIONice(req.PID, req.IOClass, 0)
	}

	return nil
}

// Run is the helper binary's entry point: argv in, exit code out.
// "--check-only" validates the elevation rule without writing anything.
func Run(args []string, stderr io.Writer) int {
	if len(args) == 1 && args[0] == "--check-only" {
		return ExitOK
	}

	req, err := ParseArgs(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitCodeFor(err)
	}

	if err := NewHelper().Execute(req); err != nil {
		fmt.Fprintln(stderr, err)
		return ExitCodeFor(err)
	}

	return ExitOK
}
