// Package probalance implements the load-responsive priority governor.
// A process sustaining a CPU share above the throttle threshold while
// the whole system is busy gets its nice and I/O class lowered; once its
// share stays below the restore threshold long enough, the original
// values come back. Hysteresis on both edges keeps a process oscillating
// around a threshold from being throttled and restored every tick.
package probalance

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/lassoctl/internal/history"
	"codeberg.org/mutker/lassoctl/internal/logger"
	"codeberg.org/mutker/lassoctl/internal/process"
)

// Prioritizer is the slice of the priority setter the governor uses.
type Prioritizer interface {
	SetNice(ctx context.Context, pid, nice int) error
	SetIONice(ctx context.Context, pid, class, level int) error
	IONice(pid int) (class, level int, err error)
}

// Throttled describes one currently throttled process.
type Throttled struct {
	PID            int
	Name           string
	ThrottledSince time.Time
	OriginalNice   int
}

type entry struct {
	name            string
	aboveSeconds    float64
	belowSeconds    float64
	throttled       bool
	throttledSince  time.Time
	originalNice    int
	originalIOClass int
	originalIOLevel int
}

// Governor tracks per-process state across ticks. It never aborts a tick
// on a per-process error; one unreachable process must not stop the
// others from being throttled or restored.
type Governor struct {
	mu      sync.Mutex
	cfg     Config
	prio    Prioritizer
	tracked map[int]*entry
	events  history.Sink
	exempt  []string
	selfPID int
}

func New(cfg Config, prio Prioritizer) *Governor {
	exempt := make([]string, 0, len(cfg.Exempt)+1)
	for _, p := range cfg.Exempt {
		if p != "" {
			exempt = append(exempt, strings.ToLower(p))
		}
	}
	// The governor must never throttle its own daemon.
	exempt = append(exempt, strings.ToLower(filepath.Base(os.Args[0])))

	return &Governor{
		cfg:     cfg,
		prio:    prio,
		tracked: make(map[int]*entry),
		events:  history.NopSink{},
		exempt:  exempt,
		selfPID: os.Getpid(),
	}
}

// WithEvents attaches an event sink for throttle/restore history.
func (g *Governor) WithEvents(sink history.Sink) *Governor {
	if sink != nil {
		g.events = sink
	}

	return g
}

// Tick advances the governor by one sample. elapsed is the wall time
// since the previous tick and drives the consecutive-seconds hysteresis.
func (g *Governor) Tick(ctx context.Context, snap process.Snapshot, elapsed time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	seen := make(map[int]struct{}, len(snap.Processes))
	for _, view := range snap.Processes {
		seen[view.PID] = struct{}{}

		if view.PID == g.selfPID || g.isExempt(view.Name) || g.isExempt(view.Comm) {
			continue
		}

		e, ok := g.tracked[view.PID]
		if !ok {
			e = &entry{name: view.Name}
			g.tracked[view.PID] = e
		}
		e.name = view.Name

		if e.throttled {
			g.maybeRestore(ctx, view.PID, e, view.CPUPercent, elapsed)
		} else {
			g.maybeThrottle(ctx, view.PID, e, view, snap.SystemBusy, elapsed)
		}
	}

	// Prune entries for pids that no longer exist. Nothing to restore;
	// the process took its priority with it.
	for pid := range g.tracked {
		if _, ok := seen[pid]; !ok {
			delete(g.tracked, pid)
		}
	}
}

func (g *Governor) maybeThrottle(ctx context.Context, pid int, e *entry, view process.View, systemBusy float64, elapsed time.Duration) {
	if view.CPUPercent > g.cfg.ThrottleThreshold && systemBusy > g.cfg.LoadThreshold {
		e.aboveSeconds += elapsed.Seconds()
	} else {
		e.aboveSeconds = 0
		return
	}

	if e.aboveSeconds < float64(g.cfg.HoldSeconds) {
		return
	}

	origClass, origLevel, err := g.prio.IONice(pid)
	if err != nil {
		origClass, origLevel = 0, 0
	}

	if err := g.prio.SetNice(ctx, pid, g.cfg.ThrottleNice); err != nil {
		logger.Debug().Err(err).Int("pid", pid).Str("name", e.name).
			Msg("throttle renice failed, will retry next tick")
		return
	}
	if err := g.prio.SetIONice(ctx, pid, g.cfg.ThrottleIOClass, 0); err != nil {
		logger.Debug().Err(err).Int("pid", pid).Msg("throttle ionice failed")
	}

	e.throttled = true
	e.throttledSince = time.Now()
	e.originalNice = view.Nice
	e.originalIOClass = origClass
	e.originalIOLevel = origLevel
	e.aboveSeconds = 0
	e.belowSeconds = 0

	g.events.Record(history.Event{Kind: history.KindThrottle, PID: pid, Name: e.name})
	logger.Info().Int("pid", pid).Str("name", e.name).
		Float64("cpu", view.CPUPercent).
		Msg("process throttled")
}

func (g *Governor) maybeRestore(ctx context.Context, pid int, e *entry, share float64, elapsed time.Duration) {
	if share < g.cfg.RestoreThreshold {
		e.belowSeconds += elapsed.Seconds()
	} else {
		e.belowSeconds = 0
		return
	}

	if e.belowSeconds < float64(g.cfg.RestoreHoldSeconds) {
		return
	}

	g.restoreLocked(ctx, pid, e)
	delete(g.tracked, pid)
}

func (g *Governor) restoreLocked(ctx context.Context, pid int, e *entry) {
	if err := g.prio.SetNice(ctx, pid, e.originalNice); err != nil {
		logger.Debug().Err(err).Int("pid", pid).Msg("restore renice failed")
	}
	if err := g.prio.SetIONice(ctx, pid, e.originalIOClass, e.originalIOLevel); err != nil {
		logger.Debug().Err(err).Int("pid", pid).Msg("restore ionice failed")
	}

	g.events.Record(history.Event{Kind: history.KindRestore, PID: pid, Name: e.name})
	logger.Info().Int("pid", pid).Str("name", e.name).Msg("process priority restored")
}

// Status returns the currently throttled set, for the status surface.
func (g *Governor) Status() []Throttled {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Throttled
	for pid, e := range g.tracked {
		if !e.throttled {
			continue
		}
		out = append(out, Throttled{
			PID:            pid,
			Name:           e.name,
			ThrottledSince: e.throttledSince,
			OriginalNice:   e.originalNice,
		})
	}

	return out
}

// RestoreAllThrottled puts every throttled process back on its original
// priority. Called on shutdown so a daemon restart never leaves stray
// reniced processes behind.
func (g *Governor) RestoreAllThrottled(ctx context.Context) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	restored := 0
	for pid, e := range g.tracked {
		if !e.throttled {
			continue
		}
		g.restoreLocked(ctx, pid, e)
		restored++
	}
	g.tracked = make(map[int]*entry)

	return restored
}

func (g *Governor) isExempt(name string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range g.exempt {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
