package config

import "codeberg.org/mutker/lassoctl/internal/errors"

const (
	ErrReadConfig    = errors.ErrReadConfig
	ErrWriteConfig   = errors.ErrWriteConfig
	ErrInvalidConfig = errors.ErrInvalidConfig
)
