// Package parking drives the non-preferred core set offline and online
// through the privileged executor. There is exactly one CPU topology per
// host, so the state machine is a singleton guarded by one lock.
package parking

import (
	"context"
	"fmt"
	"sync"

	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/executor"
	"codeberg.org/mutker/lassoctl/internal/history"
	"codeberg.org/mutker/lassoctl/internal/logger"
	"codeberg.org/mutker/lassoctl/internal/topology"
)

// State is the parking state machine's position.
type State int

const (
	Unparked State = iota
	Parking
	Parked
	Unparking
	Failed
)

func (s State) String() string {
	switch s {
	case Unparked:
		return "unparked"
	case Parking:
		return "parking"
	case Parked:
		return "parked"
	case Unparking:
		return "unparking"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the externally visible controller state.
type Status struct {
	State       State
	FailReason  string
	ParkedCores topology.CoreSet
}

// Controller owns the ParkState transitions. Enable and Disable are
// idempotent; at most one transition is in flight at a time, and callers
// arriving mid-transition get the in-progress state back instead of
// blocking.
type Controller struct {
	mu         sync.Mutex
	state      State
	failReason string
	topo       topology.Topology
	exec       executor.Executor
	parked     topology.CoreSet
	interrupt  bool
	inFlight   chan struct{}
	onChange   []func(State)
	notify     chan notification
	events     history.Sink
}

// notification carries a state change plus the callback list captured at
// transition time, so the dispatcher never needs the controller lock.
type notification struct {
	state     State
	callbacks []func(State)
}

func New(topo topology.Topology, exec executor.Executor) *Controller {
	c := &Controller{
		topo:   topo,
		exec:   exec,
		parked: topology.NewCoreSet(),
		notify: make(chan notification, notifyBuffer),
		events: history.NopSink{},
	}
	go c.dispatch()

	return c
}

const notifyBuffer = 32

// dispatch delivers state-change notifications in transition order.
func (c *Controller) dispatch() {
	for n := range c.notify {
		for _, fn := range n.callbacks {
			fn(n.state)
		}
	}
}

// WithEvents attaches an event sink for park/unpark history.
func (c *Controller) WithEvents(sink history.Sink) *Controller {
	if sink != nil {
		c.events = sink
	}

	return c
}

// OnStateChange registers a notification callback. Callbacks run outside
// the controller lock and must not call back into the controller.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// CurrentState returns the state without blocking on transitions.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Status returns the state plus failure reason and tracked parked set.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		State:       c.state,
		FailReason:  c.failReason,
		ParkedCores: c.parked.Clone(),
	}
}

// Topology returns the classification the controller is operating on.
func (c *Controller) Topology() topology.Topology {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.topo
}

// SetTopology replaces the classification. Refused unless fully
// unparked: re-classifying while cores are offline would reinterpret
// which cores the current parked set was derived from.
func (c *Controller) SetTopology(topo topology.Topology) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Unparked {
		return errors.New().WithMessage(errors.ErrResourceBusy,
			"cannot re-classify while "+c.state.String()+"; disable gaming mode first")
	}
	c.topo = topo

	return nil
}

// Enable parks the non-preferred core set. No-op when already Parking or
// Parked. Returns unsupported on a uniform topology. Any executor
// failure rolls back every core already taken offline before the
// controller settles in Failed: partial parking is never reported as
// success and the host never ends up narrower than the user asked for.
func (c *Controller) Enable(ctx context.Context) (State, error) {
	errFactory := errors.New()

	c.mu.Lock()
	switch c.state {
	case Parking, Parked:
		s := c.state
		c.mu.Unlock()

		return s, nil
	case Unparking:
		c.mu.Unlock()

		return Unparking, errFactory.New(errors.ErrResourceBusy)
	case Failed:
		c.mu.Unlock()

		return Failed, errFactory.WithMessage(errors.ErrResourceBusy,
			"previous transition failed; disable gaming mode to recover")
	}

	if !c.topo.HasAsymmetry {
		c.mu.Unlock()

		return Unparked, errFactory.New(errors.ErrUnsupported)
	}

	targets := c.parkTargetsLocked()
	if len(targets) == 0 {
		c.mu.Unlock()

		return Unparked, errFactory.WithMessage(errors.ErrUnsupported,
			"no parkable cores in the non-preferred set")
	}

	c.interrupt = false
	done := make(chan struct{})
	c.inFlight = done
	c.setStateLocked(Parking)
	c.mu.Unlock()
	defer close(done)

	parked := topology.NewCoreSet()
	var failErr error
	interrupted := false

	for _, core := range targets {
		if ctx.Err() != nil || c.interruptRequested() {
			interrupted = true
			break
		}

		err := c.exec.Do(ctx, executor.Request{Op: executor.OpPark, Core: core})
		switch {
		case err == nil:
			parked.Add(core)
			c.events.Record(history.Event{Kind: history.KindPark, Detail: fmt.Sprintf("cpu%d", core)})
			logger.Debug().Int("core", int(core)).Msg("core parked")
		case errors.HasCode(err, errors.ErrTargetNotFound):
			// Core vanished under us; nothing to park there.
			logger.Debug().Int("core", int(core)).Msg("park target gone, skipping")
		default:
			failErr = err
		}
		if failErr != nil {
			break
		}
	}

	if failErr != nil || interrupted {
		leftover := c.rollback(ctx, parked)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.parked = leftover

		if failErr != nil {
			c.failReason = failErr.Error()
			c.setStateLocked(Failed)

			return Failed, failErr
		}

		// A disable request overtook the enable: the target is "all
		// online" and the rollback already achieved it.
		if len(leftover) > 0 {
			c.failReason = "interrupted enable could not restore all cores"
			c.setStateLocked(Failed)

			return Failed, errFactory.WithMessage(errors.ErrWriteFailed, c.failReason)
		}
		c.setStateLocked(Unparked)

		return Unparked, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.parked = parked
	c.failReason = ""
	c.setStateLocked(Parked)
	logger.Info().Str("cores", parked.String()).Msg("gaming mode enabled, non-preferred cores parked")

	return Parked, nil
}

// Disable brings every tracked offline core back online. No-op when
// already Unparked or Unparking. Always permitted to interrupt an
// in-flight Enable, and is the recovery path out of Failed.
func (c *Controller) Disable(ctx context.Context) (State, error) {
	errFactory := errors.New()

	c.mu.Lock()
	switch c.state {
	case Unparked, Unparking:
		s := c.state
		c.mu.Unlock()

		return s, nil
	case Parking:
		// Flag the in-flight enable down and wait for it to finish
		// its rollback. No parking write is issued after this point.
		c.interrupt = true
		done := c.inFlight
		c.mu.Unlock()

		select {
		case <-done:
			return c.CurrentState(), nil
		case <-ctx.Done():
			return c.CurrentState(), errFactory.Wrap(errors.ErrTimeout, ctx.Err())
		}
	}

	targets := c.parked.Sorted()
	c.setStateLocked(Unparking)
	c.mu.Unlock()

	remaining := topology.NewCoreSet()
	var lastErr error
	for _, core := range targets {
		err := c.exec.Do(ctx, executor.Request{Op: executor.OpUnpark, Core: core})
		switch {
		case err == nil, errors.HasCode(err, errors.ErrTargetNotFound):
			c.events.Record(history.Event{Kind: history.KindUnpark, Detail: fmt.Sprintf("cpu%d", core)})
		default:
			lastErr = err
			remaining.Add(core)
			logger.Warn().Err(err).Int("core", int(core)).Msg("failed to unpark core")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.parked = remaining

	if lastErr != nil {
		c.failReason = lastErr.Error()
		c.setStateLocked(Failed)

		return Failed, lastErr
	}

	c.failReason = ""
	c.setStateLocked(Unparked)
	logger.Info().Msg("gaming mode disabled, all cores online")

	return Unparked, nil
}

// rollback brings freshly parked cores back online, best-effort.
// Returns the cores that could not be restored.
func (c *Controller) rollback(ctx context.Context, parked topology.CoreSet) topology.CoreSet {
	leftover := topology.NewCoreSet()
	for _, core := range parked.Sorted() {
		err := c.exec.Do(ctx, executor.Request{Op: executor.OpUnpark, Core: core})
		if err != nil && !errors.HasCode(err, errors.ErrTargetNotFound) {
			logger.Warn().Err(err).Int("core", int(core)).Msg("rollback failed for core")
			leftover.Add(core)
			continue
		}
		c.events.Record(history.Event{Kind: history.KindUnpark, Detail: fmt.Sprintf("rollback cpu%d", core)})
	}

	return leftover
}

// parkTargetsLocked computes the cores to take offline: the
// non-preferred set minus the bootstrap processor and anything
// preferred, with a hard floor of one core left online even against a
// malformed topology.
func (c *Controller) parkTargetsLocked() []topology.CoreID {
	targets := topology.NewCoreSet()
	for core := range c.topo.NonPreferred {
		if core == 0 {
			// cpu0 cannot be taken offline.
			continue
		}
		if c.topo.Preferred.Contains(core) {
			continue
		}
		targets.Add(core)
	}

	all := c.topo.Preferred.Clone()
	for core := range c.topo.NonPreferred {
		all.Add(core)
	}

	survivors := 0
	for core := range all {
		if !targets.Contains(core) {
			survivors++
		}
	}
	if survivors == 0 && len(targets) > 0 {
		targets.Remove(targets.Sorted()[0])
	}

	return targets.Sorted()
}

func (c *Controller) interruptRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.interrupt
}

func (c *Controller) setStateLocked(next State) {
	if c.state == next {
		return
	}
	c.state = next
	if len(c.onChange) == 0 {
		return
	}

	callbacks := make([]func(State), len(c.onChange))
	copy(callbacks, c.onChange)
	c.notify <- notification{state: next, callbacks: callbacks}
}
