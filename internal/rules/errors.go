package rules

import "codeberg.org/mutker/lassoctl/internal/errors"

const (
	ErrInvalidRule  = errors.ErrInvalidRequest
	ErrRuleNotFound = errors.ErrTargetNotFound
)
