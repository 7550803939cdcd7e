// Package priority performs per-process scheduling writes: nice, I/O
// class and CPU affinity. All writes to one pid are serialized so a
// governor throttle never races a rule-engine affinity change for
// ownership of the process's desired state.
package priority

import (
	"context"
	"sync"

	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/logger"
	"codeberg.org/mutker/lassoctl/internal/topology"
)

// ElevateFunc performs a privileged setpriority on behalf of the setter
// when the direct syscall is refused (lowering nice requires root).
type ElevateFunc func(ctx context.Context, pid, nice, ioClass int) error

// Setter applies priority and affinity changes with per-pid locking.
type Setter struct {
	mu        sync.Mutex
	pidLocks  map[int]*sync.Mutex
	originals map[int]topology.CoreSet
	elevate   ElevateFunc
}

func NewSetter(elevate ElevateFunc) *Setter {
	return &Setter{
		pidLocks:  make(map[int]*sync.Mutex),
		originals: make(map[int]topology.CoreSet),
		elevate:   elevate,
	}
}

func (s *Setter) lockPID(pid int) func() {
	s.mu.Lock()
	l, ok := s.pidLocks[pid]
	if !ok {
		l = &sync.Mutex{}
		s.pidLocks[pid] = l
	}
	s.mu.Unlock()

	l.Lock()

	return l.Unlock
}

// SetNice sets a process's nice value. The unprivileged syscall is tried
// first; on permission_denied the configured elevation path takes over.
func (s *Setter) SetNice(ctx context.Context, pid, nice int) error {
	defer s.lockPID(pid)()

	err := ApplyNice(pid, nice)
	if err == nil {
		return nil
	}
	if s.elevate != nil && errors.HasCode(err, errors.ErrPermissionDenied) {
		logger.Debug().Int("pid", pid).Int("nice", nice).
			Msg("direct renice refused, using helper")

		return s.elevate(ctx, pid, nice, 0)
	}

	return err
}

// SetIONice sets a process's I/O scheduling class and level.
func (s *Setter) SetIONice(ctx context.Context, pid, class, level int) error {
	defer s.lockPID(pid)()

	err := ApplyIONice(pid, class, level)
	if err == nil {
		return nil
	}
	if s.elevate != nil && errors.HasCode(err, errors.ErrPermissionDenied) {
		return s.elevate(ctx, pid, 0, class)
	}

	return err
}

// IONice reads a process's current I/O class and level.
func (s *Setter) IONice(pid int) (class, level int, err error) {
	return GetIONice(pid)
}

// SetAffinity pins a process and all of its threads to the given cores.
// The pre-change affinity is captured on first touch so RestoreAll can
// undo every assignment this session made.
func (s *Setter) SetAffinity(pid int, cores topology.CoreSet) error {
	defer s.lockPID(pid)()

	s.captureOriginal(pid)

	return ApplyAffinity(pid, cores)
}

func (s *Setter) captureOriginal(pid int) {
	s.mu.Lock()
	_, seen := s.originals[pid]
	s.mu.Unlock()
	if seen {
		return
	}

	original, err := GetAffinity(pid)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.originals[pid] = original
	s.mu.Unlock()
}

// RestoreAll puts every touched process back on its captured affinity.
// Processes that have exited are skipped silently. Returns the number of
// processes restored.
func (s *Setter) RestoreAll() int {
	s.mu.Lock()
	originals := s.originals
	s.originals = make(map[int]topology.CoreSet)
	s.mu.Unlock()

	restored := 0
	for pid, cores := range originals {
		if len(cores) == 0 {
			continue
		}
		if err := ApplyAffinity(pid, cores); err == nil {
			restored++
		}
	}

	return restored
}

// Forget drops bookkeeping for an exited pid.
func (s *Setter) Forget(pid int) {
	s.mu.Lock()
	delete(s.pidLocks, pid)
	delete(s.originals, pid)
	s.mu.Unlock()
}
