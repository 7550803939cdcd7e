package topology

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseCPUList parses a kernel cpulist string such as "0-7,16-23" into a
// CoreSet. An empty string yields an empty set.
func ParseCPUList(raw string) (CoreSet, error) {
	set := NewCoreSet()
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return set, nil
	}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, found := strings.Cut(part, "-"); found {
			start, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("bad cpulist range %q: %w", part, err)
			}
			end, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("bad cpulist range %q: %w", part, err)
			}
			if start < 0 || end < start {
				return nil, fmt.Errorf("bad cpulist range %q", part)
			}
			for c := start; c <= end; c++ {
				set.Add(CoreID(c))
			}
		} else {
			c, err := strconv.Atoi(part)
			if err != nil || c < 0 {
				return nil, fmt.Errorf("bad cpulist entry %q", part)
			}
			set.Add(CoreID(c))
		}
	}

	return set, nil
}

// FormatCPUList renders a CoreSet as a compact cpulist string, e.g.
// {0,1,2,3,5} -> "0-3,5".
func FormatCPUList(set CoreSet) string {
	ids := set.Sorted()
	if len(ids) == 0 {
		return ""
	}

	var b strings.Builder
	start, end := ids[0], ids[0]
	emit := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == end {
			fmt.Fprintf(&b, "%d", start)
		} else {
			fmt.Fprintf(&b, "%d-%d", start, end)
		}
	}
	for _, id := range ids[1:] {
		if id == end+1 {
			end = id
			continue
		}
		emit()
		start, end = id, id
	}
	emit()

	return b.String()
}
