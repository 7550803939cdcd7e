// Package app is the collaborator surface the daemon loop and any
// presentation layer talk to: topology queries, gaming mode, rule CRUD
// and governor status. Every call is bounded-wait and safe from a
// display refresh tick.
package app

import (
	"context"
	"fmt"
	"sync"

	"codeberg.org/mutker/lassoctl/internal/config"
	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/history"
	"codeberg.org/mutker/lassoctl/internal/logger"
	"codeberg.org/mutker/lassoctl/internal/parking"
	"codeberg.org/mutker/lassoctl/internal/probalance"
	"codeberg.org/mutker/lassoctl/internal/process"
	"codeberg.org/mutker/lassoctl/internal/rules"
	"codeberg.org/mutker/lassoctl/internal/topology"
)

// Prober reports whether the privileged helper is usable.
type Prober interface {
	Installed() bool
	Probe(ctx context.Context) error
}

// Enforcer is the slice of the priority setter the rule engine uses.
type Enforcer interface {
	SetAffinity(pid int, cores topology.CoreSet) error
	SetNice(ctx context.Context, pid, nice int) error
	SetIONice(ctx context.Context, pid, class, level int) error
	Forget(pid int)
}

// HelperStatus is the elevation probe result for the status surface.
type HelperStatus struct {
	Installed  bool
	Authorized bool
	Detail     string
}

// App wires the controller, engine, governor and setter together and
// owns config persistence for rule and intent changes.
type App struct {
	cfg        *config.Config
	scanner    *topology.Scanner
	controller *parking.Controller
	engine     *rules.Engine
	governor   *probalance.Governor
	setter     Enforcer
	prober     Prober
	events     history.Sink

	mu      sync.Mutex
	applied map[int]string // pid -> last applied assignment fingerprint
	warned  map[int]string // pid -> failing fingerprint already warn-logged
}

type Deps struct {
	Config     *config.Config
	Scanner    *topology.Scanner
	Controller *parking.Controller
	Engine     *rules.Engine
	Governor   *probalance.Governor
	Setter     Enforcer
	Prober     Prober
	Events     history.Sink
}

func New(d Deps) *App {
	events := d.Events
	if events == nil {
		events = history.NopSink{}
	}

	return &App{
		cfg:        d.Config,
		scanner:    d.Scanner,
		controller: d.Controller,
		engine:     d.Engine,
		governor:   d.Governor,
		setter:     d.Setter,
		prober:     d.Prober,
		events:     events,
		applied:    make(map[int]string),
		warned:     make(map[int]string),
	}
}

// Topology returns the classification currently in effect.
func (a *App) Topology() topology.Topology {
	return a.controller.Topology()
}

// SMTSiblings reports the hyperthread siblings within the classified
// cores, for presentation layers that group physical cores and SMT
// threads separately.
func (a *App) SMTSiblings() topology.CoreSet {
	topo := a.controller.Topology()
	all := topo.Preferred.Clone()
	for core := range topo.NonPreferred {
		all.Add(core)
	}

	return a.scanner.SMTSiblings(all)
}

// Rescan re-reads sysfs and re-classifies. Refused while any core is
// parked; the parked set was derived from the old classification.
func (a *App) Rescan() (topology.Topology, error) {
	if state := a.controller.CurrentState(); state != parking.Unparked {
		return a.controller.Topology(), errors.New().WithMessage(errors.ErrResourceBusy,
			"cannot rescan while "+state.String()+"; disable gaming mode first")
	}

	facts, err := a.scanner.Scan()
	if err != nil {
		return a.controller.Topology(), err
	}

	topo := topology.Classify(facts)
	if err := a.controller.SetTopology(topo); err != nil {
		return a.controller.Topology(), err
	}
	logger.Info().Str("reason", topo.Description).Msg("topology re-classified")

	return topo, nil
}

// EnableGamingMode parks the non-preferred cores and records the intent.
// Rules are re-applied afterwards; any rule target overlapping a parked
// core is now effectively narrowed by the kernel.
func (a *App) EnableGamingMode(ctx context.Context) (parking.State, error) {
	state, err := a.controller.Enable(ctx)
	if err != nil {
		return state, err
	}

	a.persistIntent(true)
	a.invalidateAssignments()

	return state, nil
}

// DisableGamingMode brings all cores back online and records the intent.
func (a *App) DisableGamingMode(ctx context.Context) (parking.State, error) {
	state, err := a.controller.Disable(ctx)
	if err != nil {
		return state, err
	}

	a.persistIntent(false)
	a.invalidateAssignments()

	return state, nil
}

// ParkState returns the parking state without blocking on transitions.
func (a *App) ParkState() parking.State {
	return a.controller.CurrentState()
}

// ParkStatus returns the full parking status including failure detail.
func (a *App) ParkStatus() parking.Status {
	return a.controller.Status()
}

// Rules returns the ordered rule list.
func (a *App) Rules() []rules.Rule {
	return a.engine.List()
}

// AddRule appends a rule, persists the list and forces re-enforcement.
func (a *App) AddRule(r rules.Rule) (string, error) {
	id, err := a.engine.Add(r)
	if err != nil {
		return "", err
	}

	a.persistRules()
	a.invalidateAssignments()

	return id, nil
}

// UpdateRule edits a rule in place, preserving its position.
func (a *App) UpdateRule(r rules.Rule) error {
	if err := a.engine.Update(r); err != nil {
		return err
	}

	a.persistRules()
	a.invalidateAssignments()

	return nil
}

// RemoveRule deletes a rule by ID.
func (a *App) RemoveRule(id string) error {
	if err := a.engine.Remove(id); err != nil {
		return err
	}

	a.persistRules()
	a.invalidateAssignments()

	return nil
}

// GovernorStatus returns the currently throttled processes.
func (a *App) GovernorStatus() []probalance.Throttled {
	return a.governor.Status()
}

// HelperStatus probes the privileged helper: installed on disk, and
// authorized through the elevation mechanism.
func (a *App) HelperStatus(ctx context.Context) HelperStatus {
	status := HelperStatus{Installed: a.prober.Installed()}
	if !status.Installed {
		status.Detail = "helper binary not installed"

		return status
	}

	if err := a.prober.Probe(ctx); err != nil {
		status.Detail = err.Error()

		return status
	}
	status.Authorized = true

	return status
}

// Enforce applies the rule engine to one process snapshot. Assignments
// already in effect are skipped, so steady state issues no syscalls.
// Per-process failures never abort the pass.
func (a *App) Enforce(ctx context.Context, snap process.Snapshot) {
	candidates := make([]rules.Process, 0, len(snap.Processes))
	alive := make(map[int]struct{}, len(snap.Processes))
	for _, v := range snap.Processes {
		candidates = append(candidates, rules.Process{PID: v.PID, Name: v.Name})
		alive[v.PID] = struct{}{}
	}

	assignments := a.engine.Apply(candidates)

	a.mu.Lock()
	for pid := range a.applied {
		if _, ok := alive[pid]; !ok {
			delete(a.applied, pid)
			delete(a.warned, pid)
			a.setter.Forget(pid)
		}
	}
	a.mu.Unlock()

	for _, assignment := range assignments {
		a.applyAssignment(ctx, assignment)
	}
}

func (a *App) applyAssignment(ctx context.Context, assignment rules.Assignment) {
	fingerprint := assignmentFingerprint(assignment)

	a.mu.Lock()
	if a.applied[assignment.PID] == fingerprint {
		a.mu.Unlock()

		return
	}
	a.mu.Unlock()

	if err := a.setter.SetAffinity(assignment.PID, assignment.Cores); err != nil {
		if errors.HasCode(err, errors.ErrTargetNotFound) {
			logger.Debug().Int("pid", assignment.PID).Msg("process gone before affinity write")

			return
		}

		// The assignment stays pending and is retried every pass, so a
		// persistent refusal would repeat the warning each tick. Warn
		// once per pid+fingerprint, then drop to debug.
		a.mu.Lock()
		repeat := a.warned[assignment.PID] == fingerprint
		a.warned[assignment.PID] = fingerprint
		a.mu.Unlock()

		if repeat {
			logger.Debug().Err(err).Int("pid", assignment.PID).
				Str("name", assignment.Name).Msg("affinity write still failing")
		} else {
			logger.Warn().Err(err).Int("pid", assignment.PID).
				Str("name", assignment.Name).Msg("affinity write failed")
		}

		return
	}

	if assignment.Nice != nil {
		if err := a.setter.SetNice(ctx, assignment.PID, *assignment.Nice); err != nil {
			logger.Warn().Err(err).Int("pid", assignment.PID).Msg("rule renice failed")
		}
	}
	if assignment.IOClass != nil {
		level := 0
		if assignment.IOLevel != nil {
			level = *assignment.IOLevel
		}
		if err := a.setter.SetIONice(ctx, assignment.PID, *assignment.IOClass, level); err != nil {
			logger.Warn().Err(err).Int("pid", assignment.PID).Msg("rule ionice failed")
		}
	}

	a.mu.Lock()
	a.applied[assignment.PID] = fingerprint
	delete(a.warned, assignment.PID)
	a.mu.Unlock()

	if assignment.RuleID != "" {
		a.events.Record(history.Event{
			Kind:   history.KindRule,
			PID:    assignment.PID,
			Name:   assignment.Name,
			Detail: assignment.RuleID + " -> " + assignment.Cores.String(),
		})
		logger.Debug().Int("pid", assignment.PID).Str("name", assignment.Name).
			Str("cores", assignment.Cores.String()).Msg("affinity rule applied")
	}
}

func assignmentFingerprint(a rules.Assignment) string {
	fp := a.RuleID + "|" + a.Cores.String()
	if a.Nice != nil {
		fp += fmt.Sprintf("|n%d", *a.Nice)
	}
	if a.IOClass != nil {
		fp += fmt.Sprintf("|c%d", *a.IOClass)
	}
	if a.IOLevel != nil {
		fp += fmt.Sprintf("|l%d", *a.IOLevel)
	}

	return fp
}

// invalidateAssignments forces the next enforcement pass to reissue
// every assignment. Called when rules change or the core partition
// moves under running processes.
func (a *App) invalidateAssignments() {
	a.mu.Lock()
	a.applied = make(map[int]string)
	a.warned = make(map[int]string)
	a.mu.Unlock()
}

func (a *App) persistIntent(enabled bool) {
	a.mu.Lock()
	a.cfg.GamingModeIntent = enabled
	err := a.cfg.Save()
	a.mu.Unlock()

	if err != nil {
		logger.Warn().Err(err).Msg("failed to persist gaming mode intent")
	}
}

func (a *App) persistRules() {
	a.mu.Lock()
	a.cfg.SetRules(a.engine.List())
	err := a.cfg.Save()
	a.mu.Unlock()

	if err != nil {
		logger.Warn().Err(err).Msg("failed to persist rules")
	}
}
