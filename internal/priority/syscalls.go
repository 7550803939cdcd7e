package priority

import (
	"os"
	"strconv"

	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/topology"
	"golang.org/x/sys/unix"
)

const (
	// ioprio_set(2) plumbing: priority value is (class << 13) | level.
	ioprioClassShift = 13
	ioprioWhoProcess = 1

	// The kernel's getpriority(2) returns 20-nice so the result never
	// collides with negative errno values.
	niceBias = 20

	// Linux CPU_SETSIZE: the number of CPUs representable in a cpu_set_t.
	// x/sys/unix keeps its copy unexported (_CPU_SETSIZE).
	cpuSetSize = 1024
)

func errnoToCode(err error) errors.ErrorCode {
	switch {
	case errors.Is(err, unix.ESRCH):
		return errors.ErrTargetNotFound
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return errors.ErrPermissionDenied
	case errors.Is(err, unix.EINVAL):
		return errors.ErrInvalidRequest
	default:
		return errors.ErrWriteFailed
	}
}

// ApplyNice sets the nice value of one process via setpriority(2).
func ApplyNice(pid, nice int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, nice); err != nil {
		return errors.New().Wrap(errnoToCode(err), err)
	}

	return nil
}

// GetNice reads the current nice value of a process.
func GetNice(pid int) (int, error) {
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, pid)
	if err != nil {
		return 0, errors.New().Wrap(errnoToCode(err), err)
	}

	return niceBias - prio, nil
}

// ApplyIONice sets the I/O scheduling class and level via ioprio_set(2).
// Level is honored for the realtime and best-effort classes only.
func ApplyIONice(pid, class, level int) error {
	ioprio := class << ioprioClassShift
	if class == 1 || class == 2 {
		ioprio |= level & 0x7
	}

	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET,
		uintptr(ioprioWhoProcess), uintptr(pid), uintptr(ioprio))
	if errno != 0 {
		return errors.New().Wrap(errnoToCode(errno), errno)
	}

	return nil
}

// GetIONice reads a process's I/O class and level.
func GetIONice(pid int) (class, level int, err error) {
	ioprio, _, errno := unix.Syscall(unix.SYS_IOPRIO_GET,
		uintptr(ioprioWhoProcess), uintptr(pid), 0)
	if errno != 0 {
		return 0, 0, errors.New().Wrap(errnoToCode(errno), errno)
	}

	return int(ioprio >> ioprioClassShift), int(ioprio & 0x7), nil
}

// ApplyAffinity applies a CPU set to a process and every thread under
// it. Games routinely run 70+ threads, each with its own kernel task:
// pinning only the main pid leaves the rest unrestricted. Succeeds when
// at least one thread was set.
func ApplyAffinity(pid int, cores topology.CoreSet) error {
	errFactory := errors.New()

	if len(cores) == 0 {
		return errFactory.WithMessage(errors.ErrInvalidRequest, "empty core set")
	}

	var cpuSet unix.CPUSet
	for id := range cores {
		cpuSet.Set(int(id))
	}

	var lastErr error
	applied := false
	for _, tid := range taskIDs(pid) {
		if err := unix.SchedSetaffinity(tid, &cpuSet); err != nil {
			lastErr = err
			continue
		}
		applied = true
	}

	if !applied {
		if lastErr == nil {
			return errFactory.New(errors.ErrTargetNotFound)
		}

		return errFactory.Wrap(errnoToCode(lastErr), lastErr)
	}

	return nil
}

// GetAffinity reads the main thread's current affinity.
func GetAffinity(pid int) (topology.CoreSet, error) {
	var cpuSet unix.CPUSet
	if err := unix.SchedGetaffinity(pid, &cpuSet); err != nil {
		return nil, errors.New().Wrap(errnoToCode(err), err)
	}

	cores := topology.NewCoreSet()
	for i := 0; i < cpuSetSize; i++ {
		if cpuSet.IsSet(i) {
			cores.Add(topology.CoreID(i))
		}
	}

	return cores, nil
}

// taskIDs lists every thread of a process, falling back to the pid
// itself when /proc is unreadable.
func taskIDs(pid int) []int {
	entries, err := os.ReadDir("/proc/" + strconv.Itoa(pid) + "/task")
	if err != nil {
		return []int{pid}
	}

	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		if tid, err := strconv.Atoi(e.Name()); err == nil {
			tids = append(tids, tid)
		}
	}
	if len(tids) == 0 {
		return []int{pid}
	}

	return tids
}
