package probalance

import "codeberg.org/mutker/lassoctl/internal/errors"

const (
	ErrInvalidGovernorConfig = errors.ErrInvalidConfig
)
