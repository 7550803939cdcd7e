package topology

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// DefaultSysfsRoot is the kernel's per-CPU control tree.
const DefaultSysfsRoot = "/sys/devices/system/cpu"

const (
	// cpu_capacity thresholds used to derive the efficiency hint, as
	// exposed by hybrid platforms: the fastest core class reports 1024.
	performanceCapacity = 1000
	efficiencyCapacity  = 900

	// Frequency fallback: cores at or above this fraction of the
	// fastest max frequency are grouped as performance cores. Handles
	// slight per-core frequency variance within one class.
	hybridFreqFraction = 0.80
)

// Scanner reads static per-core facts from sysfs. Root is injectable so
// tests run against a fixture tree.
type Scanner struct {
	Root string
}

func NewScanner() *Scanner {
	return &Scanner{Root: DefaultSysfsRoot}
}

// Scan reads one CoreFact per present CPU. Attributes that cannot be
// read (typically because the core is offline) are left at their zero
// values rather than failing the scan.
func (s *Scanner) Scan() ([]CoreFact, error) {
	present, err := s.readCPUList("present")
	if err != nil || len(present) == 0 {
		present = fallbackCoreSet()
	}

	facts := make([]CoreFact, 0, len(present))
	for _, id := range present.Sorted() {
		facts = append(facts, CoreFact{
			ID:                  id,
			MaxFrequencyHz:      s.readMaxFrequencyHz(id),
			CacheGroupID:        s.readCacheGroupID(id),
			CacheGroupSizeBytes: s.readCacheSizeBytes(id),
			Hint:                s.readCapacityHint(id),
		})
	}

	applyFrequencyHints(facts)

	return facts, nil
}

// OnlineCores returns the currently online CPU set.
func (s *Scanner) OnlineCores() (CoreSet, error) {
	return s.readCPUList("online")
}

// OfflineCores returns the currently offline CPU set. An absent or empty
// file means nothing is offline.
func (s *Scanner) OfflineCores() CoreSet {
	set, err := s.readCPUList("offline")
	if err != nil {
		return NewCoreSet()
	}

	return set
}

// SMTSiblings returns the sibling hyperthreads within a set: for every
// physical core with two or more logical CPUs present, all but the
// lowest-numbered. Empty when SMT is off.
func (s *Scanner) SMTSiblings(cores CoreSet) CoreSet {
	byCore := make(map[int][]CoreID)
	for _, id := range cores.Sorted() {
		coreID, err := s.readInt(s.cpuPath(id, "topology", "core_id"))
		if err != nil {
			continue
		}
		byCore[coreID] = append(byCore[coreID], id)
	}

	siblings := NewCoreSet()
	for _, logical := range byCore {
		for _, id := range logical[1:] {
			siblings.Add(id)
		}
	}

	return siblings
}

func (s *Scanner) cpuPath(id CoreID, elem ...string) string {
	parts := append([]string{s.Root, "cpu" + strconv.Itoa(int(id))}, elem...)
	return filepath.Join(parts...)
}

func (s *Scanner) readCPUList(name string) (CoreSet, error) {
	raw, err := os.ReadFile(filepath.Join(s.Root, name))
	if err != nil {
		return nil, err
	}

	return ParseCPUList(strings.TrimSpace(string(raw)))
}

func (s *Scanner) readInt(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(strings.TrimSpace(string(raw)))
}

func (s *Scanner) readMaxFrequencyHz(id CoreID) int64 {
	// cpuinfo_max_freq is in kHz.
	khz, err := s.readInt(s.cpuPath(id, "cpufreq", "cpuinfo_max_freq"))
	if err != nil {
		return 0
	}

	return int64(khz) * 1000
}

func (s *Scanner) readCacheGroupID(id CoreID) int {
	if groupID, err := s.readInt(s.cpuPath(id, "cache", "index3", "id")); err == nil {
		return groupID
	}

	// Older kernels lack cache/index3/id; the lowest CPU sharing the
	// last-level cache identifies the domain just as well.
	raw, err := os.ReadFile(s.cpuPath(id, "cache", "index3", "shared_cpu_list"))
	if err != nil {
		return -1
	}
	shared, err := ParseCPUList(strings.TrimSpace(string(raw)))
	if err != nil || len(shared) == 0 {
		return -1
	}

	return int(shared.Sorted()[0])
}

func (s *Scanner) readCacheSizeBytes(id CoreID) int64 {
	raw, err := os.ReadFile(s.cpuPath(id, "cache", "index3", "size"))
	if err != nil {
		return 0
	}

	return parseCacheSize(strings.TrimSpace(string(raw)))
}

// parseCacheSize parses sysfs cache sizes such as "96M", "32768K" or a
// plain byte count. Returns 0 when unparseable.
func parseCacheSize(raw string) int64 {
	if raw == "" {
		return 0
	}

	multiplier := int64(1)
	switch raw[len(raw)-1] {
	case 'K', 'k':
		multiplier = 1024
		raw = raw[:len(raw)-1]
	case 'M', 'm':
		multiplier = 1024 * 1024
		raw = raw[:len(raw)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0
	}

	return n * multiplier
}

func (s *Scanner) readCapacityHint(id CoreID) Hint {
	capacity, err := s.readInt(s.cpuPath(id, "cpu_capacity"))
	if err != nil || capacity <= 0 {
		return HintUnknown
	}
	if capacity >= performanceCapacity {
		return HintPerformance
	}
	if capacity < efficiencyCapacity {
		return HintEfficiency
	}

	return HintUnknown
}

// applyFrequencyHints fills unknown hints from max-frequency asymmetry
// when the platform exposes no cpu_capacity: cores well below the fastest
// class are efficiency cores. No-op when any hint is already known or
// frequencies are uniform.
func applyFrequencyHints(facts []CoreFact) {
	var maxFreq int64
	distinct := make(map[int64]struct{})
	for _, f := range facts {
		if f.Hint != HintUnknown {
			return
		}
		if f.MaxFrequencyHz > 0 {
			distinct[f.MaxFrequencyHz] = struct{}{}
			if f.MaxFrequencyHz > maxFreq {
				maxFreq = f.MaxFrequencyHz
			}
		}
	}
	if len(distinct) < 2 {
		return
	}

	threshold := int64(float64(maxFreq) * hybridFreqFraction)
	for i := range facts {
		if facts[i].MaxFrequencyHz <= 0 {
			continue
		}
		if facts[i].MaxFrequencyHz >= threshold {
			facts[i].Hint = HintPerformance
		} else {
			facts[i].Hint = HintEfficiency
		}
	}
}

func fallbackCoreSet() CoreSet {
	set := NewCoreSet()
	for i := 0; i < runtime.NumCPU(); i++ {
		set.Add(CoreID(i))
	}

	return set
}
