package process

import (
	"strconv"
	"strings"

	"codeberg.org/mutker/lassoctl/internal/errors"
)

// procStat is the subset of /proc/<pid>/stat the scanner consumes.
type procStat struct {
	comm     string
	utime    uint64
	stime    uint64
	nice     int
	rssPages int64
}

// parseProcStat parses a /proc/<pid>/stat line. The comm field is
// wrapped in parentheses and may itself contain spaces and parentheses,
// so the line is split at the last ')'.
func parseProcStat(line string) (procStat, error) {
	errFactory := errors.New()

	open := strings.IndexByte(line, '(')
	closing := strings.LastIndexByte(line, ')')
	if open < 0 || closing < 0 || closing < open {
		return procStat{}, errFactory.WithMessage(ErrStatMalformed, "no comm delimiters")
	}

	st := procStat{comm: line[open+1 : closing]}

	// Fields after comm, 0-indexed: state is field 0, utime 11,
	// stime 12, nice 16, rss 21 (stat fields 14, 15, 19, 24).
	rest := strings.Fields(line[closing+1:])
	if len(rest) < 22 {
		return procStat{}, errFactory.WithMessage(ErrStatMalformed, "too few stat fields")
	}

	var err error
	if st.utime, err = strconv.ParseUint(rest[11], 10, 64); err != nil {
		return procStat{}, errFactory.Wrap(ErrStatMalformed, err)
	}
	if st.stime, err = strconv.ParseUint(rest[12], 10, 64); err != nil {
		return procStat{}, errFactory.Wrap(ErrStatMalformed, err)
	}
	if st.nice, err = strconv.Atoi(rest[16]); err != nil {
		return procStat{}, errFactory.Wrap(ErrStatMalformed, err)
	}
	if st.rssPages, err = strconv.ParseInt(rest[21], 10, 64); err != nil {
		return procStat{}, errFactory.Wrap(ErrStatMalformed, err)
	}

	return st, nil
}

// parseCPUTotals parses the aggregate "cpu" line of /proc/stat and
// returns total and idle jiffies. Idle includes iowait.
func parseCPUTotals(line string) (total, idle uint64, err error) {
	errFactory := errors.New()

	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, errFactory.WithMessage(ErrStatMalformed, "unexpected /proc/stat cpu line")
	}

	for i, f := range fields[1:] {
		v, perr := strconv.ParseUint(f, 10, 64)
		if perr != nil {
			return 0, 0, errFactory.Wrap(ErrStatMalformed, perr)
		}
		total += v
		// idle is field 4, iowait field 5.
		if i == 3 || i == 4 {
			idle += v
		}
	}

	return total, idle, nil
}

// resolveName picks the display name for a process. Windows games under
// wine or proton run with a comm of "wine64-preloader" or similar and a
// cmdline like `Z:\Games\Some Game\Game.exe`; the .exe basename is the
// name users recognize and write rules against. Everything else falls
// back to comm, which the kernel truncates to 15 characters.
func resolveName(cmdline []string, comm string) string {
	for _, arg := range cmdline {
		if name, ok := windowsExeName(arg); ok {
			return name
		}
	}

	return comm
}

func windowsExeName(arg string) (string, bool) {
	if !strings.HasSuffix(strings.ToLower(arg), ".exe") {
		return "", false
	}

	name := arg
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "", false
	}

	return name, true
}
