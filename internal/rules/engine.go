package rules

import (
	"strconv"
	"sync"

	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/logger"
	"codeberg.org/mutker/lassoctl/internal/topology"
)

// Process is the minimal view the engine needs to match a rule.
type Process struct {
	PID  int
	Name string
}

// Assignment is the outcome of matching one process: the core set to
// apply plus any per-rule priority overrides. RuleID is empty when the
// assignment comes from the default affinity.
type Assignment struct {
	PID     int
	Name    string
	RuleID  string
	Cores   topology.CoreSet
	Nice    *int
	IOClass *int
	IOLevel *int
}

// Engine holds the ordered rule list. First enabled match wins; order is
// the user's priority expression and is preserved exactly through edits
// and persistence.
type Engine struct {
	mu              sync.RWMutex
	rules           []Rule
	matchers        []matcher
	defaultAffinity topology.CoreSet
	nextID          int
}

// NewEngine builds an engine from a persisted rule list. Rules with an
// uncompilable regex are kept in the list (so the user can fix them) but
// never match; this is the load path, so warn instead of reject.
func NewEngine(persisted []Rule, defaultAffinity topology.CoreSet) *Engine {
	e := &Engine{
		defaultAffinity: defaultAffinity.Clone(),
		nextID:          1,
	}

	for _, r := range persisted {
		r = clone(r)
		if r.ID == "" {
			r.ID = e.allocateID()
		}
		m := compileMatcher(r)
		if m.broken {
			logger.Warn().
				Str("rule", r.Name).
				Str("pattern", r.Pattern).
				Msg("rule has an invalid regex and will never match")
		}
		e.rules = append(e.rules, r)
		e.matchers = append(e.matchers, m)
	}

	return e
}

func (e *Engine) allocateID() string {
	id := "rule-" + strconv.Itoa(e.nextID)
	e.nextID++

	return id
}

// List returns the rules in order. The slice and its rules are copies.
func (e *Engine) List() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = clone(r)
	}

	return out
}

// Add validates and appends a rule, returning its assigned ID.
func (e *Engine) Add(r Rule) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r = clone(r)
	r.ID = e.allocateID()
	e.rules = append(e.rules, r)
	e.matchers = append(e.matchers, compileMatcher(r))
	logger.Info().Str("rule", r.Name).Str("pattern", r.Pattern).Msg("rule added")

	return r.ID, nil
}

// Update replaces the rule with the same ID in place, preserving order.
func (e *Engine) Update(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.rules {
		if e.rules[i].ID == r.ID {
			e.rules[i] = clone(r)
			e.matchers[i] = compileMatcher(r)

			return nil
		}
	}

	return errors.New().WithMessage(ErrRuleNotFound, "no rule with id "+r.ID)
}

// Remove deletes the rule with the given ID.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.rules {
		if e.rules[i].ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			e.matchers = append(e.matchers[:i], e.matchers[i+1:]...)

			return nil
		}
	}

	return errors.New().WithMessage(ErrRuleNotFound, "no rule with id "+id)
}

// SetDefaultAffinity replaces the core set applied to unmatched
// processes. An empty set disables the default.
func (e *Engine) SetDefaultAffinity(cores topology.CoreSet) {
	e.mu.Lock()
	e.defaultAffinity = cores.Clone()
	e.mu.Unlock()
}

// DefaultAffinity returns a copy of the configured default core set.
func (e *Engine) DefaultAffinity() topology.CoreSet {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.defaultAffinity.Clone()
}

// Match returns the first enabled rule matching the name, if any.
func (e *Engine) Match(name string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for i, r := range e.rules {
		if !r.Enabled {
			continue
		}
		if e.matchers[i].matches(name) {
			return clone(r), true
		}
	}

	return Rule{}, false
}

// Apply matches every process against the rule list and returns the
// resulting assignments. Unmatched processes get the default affinity
// when one is configured, otherwise no assignment.
func (e *Engine) Apply(processes []Process) []Assignment {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Assignment
	for _, p := range processes {
		matched := false
		for i, r := range e.rules {
			if !r.Enabled || !e.matchers[i].matches(p.Name) {
				continue
			}
			a := Assignment{
				PID:    p.PID,
				Name:   p.Name,
				RuleID: r.ID,
				Cores:  r.Cores.Clone(),
			}
			if r.Nice != nil {
				v := *r.Nice
				a.Nice = &v
			}
			if r.IOClass != nil {
				v := *r.IOClass
				a.IOClass = &v
			}
			if r.IOLevel != nil {
				v := *r.IOLevel
				a.IOLevel = &v
			}
			out = append(out, a)
			matched = true
			break
		}
		if !matched && len(e.defaultAffinity) > 0 {
			out = append(out, Assignment{
				PID:   p.PID,
				Name:  p.Name,
				Cores: e.defaultAffinity.Clone(),
			})
		}
	}

	return out
}
