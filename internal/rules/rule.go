// Package rules implements the affinity rule engine: an ordered list of
// name-matching rules where the first enabled match decides a process's
// core set and optional priority overrides.
package rules

import (
	"regexp"
	"strings"

	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/topology"
)

// MatchMode selects how a rule's pattern is compared against a process
// executable name.
type MatchMode string

const (
	MatchExact    MatchMode = "exact"
	MatchContains MatchMode = "contains"
	MatchRegex    MatchMode = "regex"
)

const (
	minNice = -20
	maxNice = 19

	maxIOClass = 3
	maxIOLevel = 7
)

// Rule binds a process name pattern to a core set and optional nice and
// io class overrides. Nil pointer fields mean "leave alone".
type Rule struct {
	ID      string
	Name    string
	Pattern string
	Match   MatchMode
	Cores   topology.CoreSet
	Nice    *int
	IOClass *int
	IOLevel *int
	Enabled bool
}

// Validate checks the rule's pattern, mode and override ranges. Regex
// patterns must compile.
func (r Rule) Validate() error {
	if err := r.ValidatePersisted(); err != nil {
		return err
	}

	if r.Match == MatchRegex {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return errors.New().WithData(ErrInvalidRule, struct {
				Pattern string
				Error   string
			}{Pattern: r.Pattern, Error: err.Error()})
		}
	}

	return nil
}

// ValidatePersisted checks everything except regex compilation. A
// persisted rule with a broken regex still loads; the engine warns and
// it never matches, so the user can fix it instead of losing it.
func (r Rule) ValidatePersisted() error {
	errFactory := errors.New()

	if r.Pattern == "" {
		return errFactory.WithMessage(ErrInvalidRule, "rule pattern must not be empty")
	}

	switch r.Match {
	case MatchExact, MatchContains, MatchRegex:
	default:
		return errFactory.WithMessage(ErrInvalidRule, "unknown match mode "+string(r.Match))
	}

	if r.Nice != nil && (*r.Nice < minNice || *r.Nice > maxNice) {
		return errFactory.WithMessage(ErrInvalidRule, "nice out of range")
	}
	if r.IOClass != nil && (*r.IOClass < 0 || *r.IOClass > maxIOClass) {
		return errFactory.WithMessage(ErrInvalidRule, "io class out of range")
	}
	if r.IOLevel != nil && (*r.IOLevel < 0 || *r.IOLevel > maxIOLevel) {
		return errFactory.WithMessage(ErrInvalidRule, "io level out of range")
	}

	return nil
}

// matcher is a compiled rule pattern. A rule with an uncompilable regex
// gets a matcher that never matches.
type matcher struct {
	mode    MatchMode
	pattern string
	re      *regexp.Regexp
	broken  bool
}

func compileMatcher(r Rule) matcher {
	m := matcher{mode: r.Match, pattern: r.Pattern}
	if r.Match == MatchRegex {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			m.broken = true
		} else {
			m.re = re
		}
	}

	return m
}

// matches compares a process executable name. Exact and contains modes
// are case-insensitive; game launchers are wildly inconsistent about
// binary name casing.
func (m matcher) matches(name string) bool {
	if m.broken {
		return false
	}

	switch m.mode {
	case MatchExact:
		return strings.EqualFold(name, m.pattern)
	case MatchContains:
		return strings.Contains(strings.ToLower(name), strings.ToLower(m.pattern))
	case MatchRegex:
		return m.re.MatchString(name)
	default:
		return false
	}
}

func clone(r Rule) Rule {
	out := r
	out.Cores = r.Cores.Clone()
	if r.Nice != nil {
		v := *r.Nice
		out.Nice = &v
	}
	if r.IOClass != nil {
		v := *r.IOClass
		out.IOClass = &v
	}
	if r.IOLevel != nil {
		v := *r.IOLevel
		out.IOLevel = &v
	}

	return out
}
