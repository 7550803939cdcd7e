package topology_test

import (
	"testing"

	"codeberg.org/mutker/lassoctl/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheFacts(groupA, groupB []int, sizeA, sizeB int64) []topology.CoreFact {
	facts := make([]topology.CoreFact, 0, len(groupA)+len(groupB))
	for _, id := range groupA {
		facts = append(facts, topology.CoreFact{
			ID:                  topology.CoreID(id),
			CacheGroupID:        0,
			CacheGroupSizeBytes: sizeA,
		})
	}
	for _, id := range groupB {
		facts = append(facts, topology.CoreFact{
			ID:                  topology.CoreID(id),
			CacheGroupID:        1,
			CacheGroupSizeBytes: sizeB,
		})
	}

	return facts
}

func TestClassifyCacheAsymmetry(t *testing.T) {
	// Ryzen 7950X3D shape: CCD0 carries the 96MB V-Cache die.
	facts := cacheFacts(
		[]int{0, 1, 2, 3, 4, 5, 6, 7, 16, 17, 18, 19, 20, 21, 22, 23},
		[]int{8, 9, 10, 11, 12, 13, 14, 15, 24, 25, 26, 27, 28, 29, 30, 31},
		96*1024*1024, 32*1024*1024)

	topo := topology.Classify(facts)

	require.True(t, topo.HasAsymmetry)
	assert.Equal(t, topology.ReasonCacheAsymmetricCCD, topo.Reason)
	assert.Equal(t, "0-7,16-23", topo.Preferred.String())
	assert.Equal(t, "8-15,24-31", topo.NonPreferred.String())
}

func TestClassifyLargerCacheWinsRegardlessOfGroupOrder(t *testing.T) {
	// Same shape with the sizes swapped: group B must become preferred.
	facts := cacheFacts([]int{0, 1, 2, 3}, []int{4, 5, 6, 7}, 32*1024*1024, 96*1024*1024)

	topo := topology.Classify(facts)

	require.True(t, topo.HasAsymmetry)
	assert.Equal(t, topology.NewCoreSet(4, 5, 6, 7), topo.Preferred)
	assert.Equal(t, topology.NewCoreSet(0, 1, 2, 3), topo.NonPreferred)
}

func TestClassifySetsAreDisjointAndCoverAllCores(t *testing.T) {
	facts := cacheFacts([]int{0, 1, 2, 3}, []int{4, 5, 6, 7}, 96*1024*1024, 32*1024*1024)

	topo := topology.Classify(facts)

	for _, f := range facts {
		inPreferred := topo.Preferred.Contains(f.ID)
		inNonPreferred := topo.NonPreferred.Contains(f.ID)
		assert.True(t, inPreferred != inNonPreferred,
			"core %d must be in exactly one set", f.ID)
	}
}

func TestClassifyCoversCoresWithUnreadableCacheAttributes(t *testing.T) {
	// Cores 8 and 9 carry zero-value cache facts, as the scanner produces
	// for offline cores. They must still land in exactly one set, and it
	// must be the side that is never parked.
	facts := cacheFacts([]int{0, 1, 2, 3}, []int{4, 5, 6, 7}, 96*1024*1024, 32*1024*1024)
	facts = append(facts,
		topology.CoreFact{ID: 8, CacheGroupID: -1},
		topology.CoreFact{ID: 9, CacheGroupID: 2, CacheGroupSizeBytes: 0},
	)

	topo := topology.Classify(facts)

	require.True(t, topo.HasAsymmetry)
	for _, f := range facts {
		inPreferred := topo.Preferred.Contains(f.ID)
		inNonPreferred := topo.NonPreferred.Contains(f.ID)
		assert.True(t, inPreferred != inNonPreferred,
			"core %d must be in exactly one set", f.ID)
	}
	assert.True(t, topo.Preferred.Contains(8))
	assert.True(t, topo.Preferred.Contains(9))
}

func TestClassifySingleCacheGroupIsUniform(t *testing.T) {
	facts := make([]topology.CoreFact, 8)
	for i := range facts {
		facts[i] = topology.CoreFact{
			ID:                  topology.CoreID(i),
			CacheGroupID:        0,
			CacheGroupSizeBytes: 32 * 1024 * 1024,
		}
	}

	topo := topology.Classify(facts)

	assert.False(t, topo.HasAsymmetry)
	assert.Equal(t, topology.ReasonUniform, topo.Reason)
	assert.Empty(t, topo.Preferred)
	assert.Empty(t, topo.NonPreferred)
}

func TestClassifyEqualCacheGroupsIsUniform(t *testing.T) {
	// Dual-CCD part without V-Cache: two equal 32MB domains. The
	// classifier must not guess which one is better.
	facts := cacheFacts([]int{0, 1, 2, 3}, []int{4, 5, 6, 7}, 32*1024*1024, 32*1024*1024)

	topo := topology.Classify(facts)

	assert.False(t, topo.HasAsymmetry)
	assert.Equal(t, topology.ReasonUniform, topo.Reason)
}

func TestClassifyHybridHints(t *testing.T) {
	facts := []topology.CoreFact{
		{ID: 0, Hint: topology.HintPerformance},
		{ID: 1, Hint: topology.HintPerformance},
		{ID: 2, Hint: topology.HintEfficiency},
		{ID: 3, Hint: topology.HintEfficiency},
	}

	topo := topology.Classify(facts)

	require.True(t, topo.HasAsymmetry)
	assert.Equal(t, topology.ReasonHybridPCoreECore, topo.Reason)
	assert.Equal(t, topology.NewCoreSet(0, 1), topo.Preferred)
	assert.Equal(t, topology.NewCoreSet(2, 3), topo.NonPreferred)
}

func TestClassifyUnknownHintIsNeverNonPreferred(t *testing.T) {
	facts := []topology.CoreFact{
		{ID: 0, Hint: topology.HintPerformance},
		{ID: 1, Hint: topology.HintUnknown},
		{ID: 2, Hint: topology.HintEfficiency},
	}

	topo := topology.Classify(facts)

	require.True(t, topo.HasAsymmetry)
	assert.True(t, topo.Preferred.Contains(1))
	assert.False(t, topo.NonPreferred.Contains(1))
}

func TestClassifyAllHintsUnknownIsUniform(t *testing.T) {
	facts := []topology.CoreFact{
		{ID: 0}, {ID: 1}, {ID: 2}, {ID: 3},
	}

	topo := topology.Classify(facts)

	assert.False(t, topo.HasAsymmetry)
}

func TestClassifyEmptyFacts(t *testing.T) {
	topo := topology.Classify(nil)

	assert.False(t, topo.HasAsymmetry)
	assert.Equal(t, topology.ReasonUniform, topo.Reason)
	assert.NotEmpty(t, topo.Description)
}
