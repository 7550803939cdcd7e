// Package process reads per-process and system-wide CPU accounting from
// /proc. CPU shares are computed from jiffy deltas between consecutive
// snapshots, so the first snapshot after startup reports zero for every
// process.
package process

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"codeberg.org/mutker/lassoctl/internal/errors"
)

const DefaultProcRoot = "/proc"

// View is one process as seen at snapshot time.
type View struct {
	PID        int
	Name       string // resolved display name (.exe basename for wine, else comm)
	Comm       string
	CPUPercent float64 // share of total machine CPU since the last snapshot
	RSS        int64   // bytes
	Nice       int
}

// Snapshot is one scan of /proc: the process list plus the system-wide
// busy percentage over the same window.
type Snapshot struct {
	Processes   []View
	SystemBusy  float64 // percent, 0 on the first scan
	TotalJiffy  uint64
	SampledPIDs int
}

// Scanner scans a /proc tree and tracks per-pid jiffy counters between
// calls. Root is injectable for tests.
type Scanner struct {
	Root string

	mu        sync.Mutex
	prev      map[int]uint64 // pid -> utime+stime at last scan
	prevTotal uint64
	prevIdle  uint64
	pageSize  int64
}

func NewScanner(root string) *Scanner {
	if root == "" {
		root = DefaultProcRoot
	}

	return &Scanner{
		Root:     root,
		prev:     make(map[int]uint64),
		pageSize: int64(os.Getpagesize()),
	}
}

// Scan walks the proc tree once. Unreadable processes (vanished mid-scan
// or permission-restricted) are skipped, never fatal.
func (s *Scanner) Scan() (Snapshot, error) {
	errFactory := errors.New()

	total, idle, err := s.readCPUTotals()
	if err != nil {
		return Snapshot{}, err
	}

	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return Snapshot{}, errFactory.Wrap(ErrProcUnreadable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deltaTotal := total - s.prevTotal
	deltaIdle := idle - s.prevIdle
	firstScan := s.prevTotal == 0

	snap := Snapshot{TotalJiffy: total}
	if !firstScan && deltaTotal > 0 {
		snap.SystemBusy = 100 * float64(deltaTotal-deltaIdle) / float64(deltaTotal)
	}

	seen := make(map[int]uint64, len(s.prev))
	for _, entry := range entries {
		pid, convErr := strconv.Atoi(entry.Name())
		if convErr != nil || !entry.IsDir() {
			continue
		}

		view, jiffies, scanErr := s.scanOne(pid)
		if scanErr != nil {
			continue
		}

		if prev, ok := s.prev[pid]; ok && !firstScan && deltaTotal > 0 && jiffies >= prev {
			view.CPUPercent = 100 * float64(jiffies-prev) / float64(deltaTotal)
		}
		seen[pid] = jiffies
		snap.Processes = append(snap.Processes, view)
	}

	s.prev = seen
	s.prevTotal = total
	s.prevIdle = idle
	snap.SampledPIDs = len(snap.Processes)

	return snap, nil
}

func (s *Scanner) readCPUTotals() (total, idle uint64, err error) {
	errFactory := errors.New()

	data, err := os.ReadFile(filepath.Join(s.Root, "stat"))
	if err != nil {
		return 0, 0, errFactory.Wrap(ErrProcUnreadable, err)
	}

	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}

	return parseCPUTotals(string(line))
}

func (s *Scanner) scanOne(pid int) (View, uint64, error) {
	dir := filepath.Join(s.Root, strconv.Itoa(pid))

	statData, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return View{}, 0, err
	}
	st, err := parseProcStat(string(bytes.TrimSpace(statData)))
	if err != nil {
		return View{}, 0, err
	}

	// cmdline is NUL-separated and may be empty for kernel threads.
	var cmdline []string
	if raw, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil && len(raw) > 0 {
		for _, arg := range bytes.Split(bytes.TrimRight(raw, "\x00"), []byte{0}) {
			cmdline = append(cmdline, string(arg))
		}
	}

	view := View{
		PID:  pid,
		Name: resolveName(cmdline, st.comm),
		Comm: st.comm,
		RSS:  st.rssPages * s.pageSize,
		Nice: st.nice,
	}

	return view, st.utime + st.stime, nil
}
