package topology_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/lassoctl/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixtureCPU struct {
	id       int
	l3ID     int
	l3Size   string
	maxFreq  int // kHz
	capacity int // 0 = absent
	coreID   int
}

func writeFixture(t *testing.T, cpus []fixtureCPU, present string) *topology.Scanner {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "present"), []byte(present+"\n"), 0o644))

	for _, cpu := range cpus {
		dir := filepath.Join(root, fmt.Sprintf("cpu%d", cpu.id))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "cache", "index3"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "cpufreq"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "topology"), 0o755))

		write := func(rel, content string) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, rel), []byte(content+"\n"), 0o644))
		}
		write("cache/index3/id", fmt.Sprintf("%d", cpu.l3ID))
		write("cache/index3/size", cpu.l3Size)
		write("cpufreq/cpuinfo_max_freq", fmt.Sprintf("%d", cpu.maxFreq))
		write("topology/core_id", fmt.Sprintf("%d", cpu.coreID))
		if cpu.capacity > 0 {
			write("cpu_capacity", fmt.Sprintf("%d", cpu.capacity))
		}
	}

	return &topology.Scanner{Root: root}
}

func TestScanReadsCacheGroups(t *testing.T) {
	scanner := writeFixture(t, []fixtureCPU{
		{id: 0, l3ID: 0, l3Size: "96M", maxFreq: 5700000, coreID: 0},
		{id: 1, l3ID: 0, l3Size: "96M", maxFreq: 5700000, coreID: 1},
		{id: 2, l3ID: 1, l3Size: "32768K", maxFreq: 5700000, coreID: 2},
		{id: 3, l3ID: 1, l3Size: "32768K", maxFreq: 5700000, coreID: 3},
	}, "0-3")

	facts, err := scanner.Scan()
	require.NoError(t, err)
	require.Len(t, facts, 4)

	assert.Equal(t, 0, facts[0].CacheGroupID)
	assert.Equal(t, int64(96*1024*1024), facts[0].CacheGroupSizeBytes)
	assert.Equal(t, 1, facts[2].CacheGroupID)
	assert.Equal(t, int64(32*1024*1024), facts[2].CacheGroupSizeBytes)
	assert.Equal(t, int64(5700000000), facts[0].MaxFrequencyHz)

	topo := topology.Classify(facts)
	require.True(t, topo.HasAsymmetry)
	assert.Equal(t, topology.ReasonCacheAsymmetricCCD, topo.Reason)
	assert.Equal(t, topology.NewCoreSet(0, 1), topo.Preferred)
}

func TestScanCapacityHints(t *testing.T) {
	scanner := writeFixture(t, []fixtureCPU{
		{id: 0, l3ID: 0, l3Size: "36M", maxFreq: 5800000, capacity: 1024, coreID: 0},
		{id: 1, l3ID: 0, l3Size: "36M", maxFreq: 4300000, capacity: 570, coreID: 1},
	}, "0-1")

	facts, err := scanner.Scan()
	require.NoError(t, err)
	assert.Equal(t, topology.HintPerformance, facts[0].Hint)
	assert.Equal(t, topology.HintEfficiency, facts[1].Hint)
}

func TestScanFrequencyFallbackHints(t *testing.T) {
	// No cpu_capacity exposed: the 80% frequency threshold separates
	// the classes instead.
	scanner := writeFixture(t, []fixtureCPU{
		{id: 0, l3ID: 0, l3Size: "36M", maxFreq: 5800000, coreID: 0},
		{id: 1, l3ID: 0, l3Size: "36M", maxFreq: 5600000, coreID: 1},
		{id: 2, l3ID: 0, l3Size: "36M", maxFreq: 4300000, coreID: 2},
	}, "0-2")

	facts, err := scanner.Scan()
	require.NoError(t, err)
	assert.Equal(t, topology.HintPerformance, facts[0].Hint)
	assert.Equal(t, topology.HintPerformance, facts[1].Hint)
	assert.Equal(t, topology.HintEfficiency, facts[2].Hint)

	topo := topology.Classify(facts)
	require.True(t, topo.HasAsymmetry)
	assert.Equal(t, topology.ReasonHybridPCoreECore, topo.Reason)
	assert.Equal(t, topology.NewCoreSet(2), topo.NonPreferred)
}

func TestSMTSiblings(t *testing.T) {
	scanner := writeFixture(t, []fixtureCPU{
		{id: 0, l3ID: 0, l3Size: "32M", maxFreq: 5000000, coreID: 0},
		{id: 1, l3ID: 0, l3Size: "32M", maxFreq: 5000000, coreID: 1},
		{id: 8, l3ID: 0, l3Size: "32M", maxFreq: 5000000, coreID: 0},
		{id: 9, l3ID: 0, l3Size: "32M", maxFreq: 5000000, coreID: 1},
	}, "0-1,8-9")

	siblings := scanner.SMTSiblings(topology.NewCoreSet(0, 1, 8, 9))
	assert.Equal(t, topology.NewCoreSet(8, 9), siblings)
}

func TestOfflineCoresAbsentFile(t *testing.T) {
	scanner := &topology.Scanner{Root: t.TempDir()}
	assert.Empty(t, scanner.OfflineCores())
}
