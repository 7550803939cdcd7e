package process

import "codeberg.org/mutker/lassoctl/internal/errors"

const (
	ErrProcUnreadable = errors.ErrorCode("process_proc_unreadable")
	ErrStatMalformed  = errors.ErrorCode("process_stat_malformed")
)
