package topology

import (
	"fmt"
	"sort"
)

// CoreID is the logical CPU index as enumerated by the kernel. Stable for
// a boot session.
type CoreID int

// CoreSet is an unordered set of logical CPUs.
type CoreSet map[CoreID]struct{}

func NewCoreSet(ids ...CoreID) CoreSet {
	s := make(CoreSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}

	return s
}

func (s CoreSet) Contains(id CoreID) bool {
	_, ok := s[id]
	return ok
}

func (s CoreSet) Add(id CoreID) {
	s[id] = struct{}{}
}

func (s CoreSet) Remove(id CoreID) {
	delete(s, id)
}

func (s CoreSet) Clone() CoreSet {
	out := make(CoreSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}

	return out
}

func (s CoreSet) Equal(other CoreSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Contains(id) {
			return false
		}
	}

	return true
}

// Sorted returns the members in ascending order.
func (s CoreSet) Sorted() []CoreID {
	out := make([]CoreID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

func (s CoreSet) String() string {
	return FormatCPUList(s)
}

// Hint is the tri-state efficiency-core designation for a logical CPU.
type Hint int

const (
	HintUnknown Hint = iota
	HintEfficiency
	HintPerformance
)

// CoreFact holds the static per-core attributes read once at boot.
type CoreFact struct {
	ID                  CoreID
	MaxFrequencyHz      int64
	CacheGroupID        int
	CacheGroupSizeBytes int64
	Hint                Hint
}

// Reason identifies which rule produced a classification.
type Reason int

const (
	ReasonUniform Reason = iota
	ReasonCacheAsymmetricCCD
	ReasonHybridPCoreECore
)

func (r Reason) String() string {
	switch r {
	case ReasonCacheAsymmetricCCD:
		return "cache_asymmetric_ccd"
	case ReasonHybridPCoreECore:
		return "hybrid_pcore_ecore"
	default:
		return "uniform"
	}
}

// Topology is the derived, immutable classification of one scan.
// Preferred and NonPreferred are disjoint and together cover all scanned
// cores whenever HasAsymmetry is true; both are empty otherwise.
type Topology struct {
	Preferred    CoreSet
	NonPreferred CoreSet
	HasAsymmetry bool
	Reason       Reason
	Description  string
}

const bytesPerMiB = 1024 * 1024

// Classify derives a Topology from per-core facts. Pure and total: it
// always returns a value, falling back to a uniform classification when
// no exploitable asymmetry is found.
//
// Two cache groups with equal sizes are deliberately treated as uniform:
// the system never guesses which symmetric group is better.
func Classify(facts []CoreFact) Topology {
	if topo, ok := classifyByCacheGroup(facts); ok {
		return topo
	}
	if topo, ok := classifyByHints(facts); ok {
		return topo
	}

	return Topology{
		Preferred:    NewCoreSet(),
		NonPreferred: NewCoreSet(),
		HasAsymmetry: false,
		Reason:       ReasonUniform,
		Description:  "Uniform topology: no exploitable asymmetry detected.",
	}
}

func classifyByCacheGroup(facts []CoreFact) (Topology, bool) {
	groupSize := make(map[int]int64)
	groupCores := make(map[int]CoreSet)
	unattributed := NewCoreSet()
	for _, f := range facts {
		if f.CacheGroupID < 0 || f.CacheGroupSizeBytes <= 0 {
			// Cache attributes unreadable (typically an offline core).
			// Such a core still belongs to the classification; it joins
			// the preferred set below since it must never be parked.
			unattributed.Add(f.ID)
			continue
		}
		groupSize[f.CacheGroupID] = f.CacheGroupSizeBytes
		if groupCores[f.CacheGroupID] == nil {
			groupCores[f.CacheGroupID] = NewCoreSet()
		}
		groupCores[f.CacheGroupID].Add(f.ID)
	}

	if len(groupSize) != 2 {
		return Topology{}, false
	}

	ids := make([]int, 0, 2)
	for id := range groupSize {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	sizeA, sizeB := groupSize[ids[0]], groupSize[ids[1]]
	if sizeA == sizeB {
		// Exactly two symmetric cache domains: no exploitable
		// asymmetry, and the hint pass is skipped on purpose.
		return Topology{
			Preferred:    NewCoreSet(),
			NonPreferred: NewCoreSet(),
			HasAsymmetry: false,
			Reason:       ReasonUniform,
			Description:  "Uniform topology: two cache domains of equal size.",
		}, true
	}

	large, small := ids[0], ids[1]
	if sizeB > sizeA {
		large, small = ids[1], ids[0]
	}

	preferred := groupCores[large]
	nonPreferred := groupCores[small]
	for id := range unattributed {
		preferred.Add(id)
	}

	return Topology{
		Preferred:    preferred,
		NonPreferred: nonPreferred,
		HasAsymmetry: true,
		Reason:       ReasonCacheAsymmetricCCD,
		Description: fmt.Sprintf(
			"Asymmetric last-level cache detected. Preferred (%dMB L3): CPUs %s. Non-preferred (%dMB L3): CPUs %s.",
			groupSize[large]/bytesPerMiB, FormatCPUList(preferred),
			groupSize[small]/bytesPerMiB, FormatCPUList(nonPreferred)),
	}, true
}

func classifyByHints(facts []CoreFact) (Topology, bool) {
	var hasPerf, hasEff bool
	for _, f := range facts {
		switch f.Hint {
		case HintPerformance:
			hasPerf = true
		case HintEfficiency:
			hasEff = true
		}
	}
	if !hasPerf || !hasEff {
		return Topology{}, false
	}

	preferred := NewCoreSet()
	nonPreferred := NewCoreSet()
	for _, f := range facts {
		// A core whose designation is unknown is never parked, so it
		// lands in the preferred set.
		if f.Hint == HintEfficiency {
			nonPreferred.Add(f.ID)
		} else {
			preferred.Add(f.ID)
		}
	}

	return Topology{
		Preferred:    preferred,
		NonPreferred: nonPreferred,
		HasAsymmetry: true,
		Reason:       ReasonHybridPCoreECore,
		Description: fmt.Sprintf(
			"Hybrid topology detected. Performance cores: CPUs %s. Efficiency cores: CPUs %s.",
			FormatCPUList(preferred), FormatCPUList(nonPreferred)),
	}, true
}
