package process_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"codeberg.org/mutker/lassoctl/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixtureProc struct {
	pid     int
	comm    string
	cmdline []string
	jiffies uint64
	nice    int
	rss     int64 // pages
}

// statLine builds a /proc/<pid>/stat line with the scanner's consumed
// fields in their real positions. utime carries the whole jiffy count,
// stime is zero.
func statLine(p fixtureProc) string {
	return fmt.Sprintf(
		"%d (%s) S 1 1 1 0 -1 4194304 100 0 0 0 %d 0 0 0 20 %d 1 0 1000 10000000 %d",
		p.pid, p.comm, p.jiffies, p.nice, p.rss,
	)
}

func writeFixture(t *testing.T, root string, totalJiffies, idleJiffies uint64, procs []fixtureProc) {
	t.Helper()

	busy := totalJiffies - idleJiffies
	stat := fmt.Sprintf("cpu %d 0 0 %d 0 0 0 0 0 0\nctxt 12345\n", busy, idleJiffies)
	require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte(stat), 0o644))

	for _, p := range procs {
		dir := filepath.Join(root, strconv.Itoa(p.pid))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(statLine(p)+"\n"), 0o644))

		var cmdline []byte
		for _, arg := range p.cmdline {
			cmdline = append(cmdline, arg...)
			cmdline = append(cmdline, 0)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), cmdline, 0o644))
	}
}

func TestFirstScanReportsZeroShares(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, 1000, 800, []fixtureProc{
		{pid: 100, comm: "firefox", jiffies: 500, nice: 0, rss: 10},
	})

	scanner := process.NewScanner(root)
	snap, err := scanner.Scan()
	require.NoError(t, err)
	require.Len(t, snap.Processes, 1)
	assert.Zero(t, snap.Processes[0].CPUPercent)
	assert.Zero(t, snap.SystemBusy)
}

func TestDeltaBasedShares(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, 1000, 800, []fixtureProc{
		{pid: 100, comm: "firefox", jiffies: 100, nice: 0, rss: 10},
		{pid: 200, comm: "idleproc", jiffies: 50, nice: 5, rss: 20},
	})

	scanner := process.NewScanner(root)
	_, err := scanner.Scan()
	require.NoError(t, err)

	// Next window: 400 total jiffies elapsed, 100 idle. firefox burned
	// 200 of them, idleproc none.
	writeFixture(t, root, 1400, 900, []fixtureProc{
		{pid: 100, comm: "firefox", jiffies: 300, nice: 0, rss: 10},
		{pid: 200, comm: "idleproc", jiffies: 50, nice: 5, rss: 20},
	})

	snap, err := scanner.Scan()
	require.NoError(t, err)
	require.Len(t, snap.Processes, 2)

	byPID := make(map[int]process.View)
	for _, v := range snap.Processes {
		byPID[v.PID] = v
	}

	assert.InDelta(t, 50.0, byPID[100].CPUPercent, 0.01)
	assert.Zero(t, byPID[200].CPUPercent)
	assert.InDelta(t, 75.0, snap.SystemBusy, 0.01)
	assert.Equal(t, 5, byPID[200].Nice)
}

func TestIndependentScannersKeepSeparateDeltaBases(t *testing.T) {
	// Each Scan resets its scanner's delta basis, so consumers sampling
	// on their own cadence need their own scanner. A second scanner
	// reading right after the first must still see the full window, not
	// a phantom-idle zero-jiffy one.
	root := t.TempDir()
	writeFixture(t, root, 1000, 800, []fixtureProc{
		{pid: 100, comm: "hog", jiffies: 100},
	})

	first := process.NewScanner(root)
	second := process.NewScanner(root)
	_, err := first.Scan()
	require.NoError(t, err)
	_, err = second.Scan()
	require.NoError(t, err)

	// Next window: 1000 total jiffies elapsed, 300 idle; hog burned 600.
	writeFixture(t, root, 2000, 1100, []fixtureProc{
		{pid: 100, comm: "hog", jiffies: 700},
	})

	snap, err := first.Scan()
	require.NoError(t, err)
	require.Len(t, snap.Processes, 1)
	assert.InDelta(t, 60.0, snap.Processes[0].CPUPercent, 0.01)
	assert.InDelta(t, 70.0, snap.SystemBusy, 0.01)

	snap, err = second.Scan()
	require.NoError(t, err)
	require.Len(t, snap.Processes, 1)
	assert.InDelta(t, 60.0, snap.Processes[0].CPUPercent, 0.01)
	assert.InDelta(t, 70.0, snap.SystemBusy, 0.01)
}

func TestNewPIDHasZeroShareUntilSecondSighting(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, 1000, 800, []fixtureProc{
		{pid: 100, comm: "firefox", jiffies: 100},
	})

	scanner := process.NewScanner(root)
	_, err := scanner.Scan()
	require.NoError(t, err)

	writeFixture(t, root, 1400, 900, []fixtureProc{
		{pid: 100, comm: "firefox", jiffies: 100},
		{pid: 300, comm: "newcomer", jiffies: 9999},
	})

	snap, err := scanner.Scan()
	require.NoError(t, err)
	for _, v := range snap.Processes {
		if v.PID == 300 {
			assert.Zero(t, v.CPUPercent, "no previous sample, share must be zero")
		}
	}
}

func TestWineExeNameResolution(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, 1000, 800, []fixtureProc{
		{
			pid:     400,
			comm:    "wine64-preloade",
			cmdline: []string{`Z:\Games\Elden Ring\eldenring.exe`, "-windowed"},
		},
		{
			pid:     500,
			comm:    "bash",
			cmdline: []string{"/bin/bash", "-l"},
		},
	})

	scanner := process.NewScanner(root)
	snap, err := scanner.Scan()
	require.NoError(t, err)

	byPID := make(map[int]process.View)
	for _, v := range snap.Processes {
		byPID[v.PID] = v
	}

	assert.Equal(t, "eldenring.exe", byPID[400].Name)
	assert.Equal(t, "wine64-preloade", byPID[400].Comm)
	assert.Equal(t, "bash", byPID[500].Name)
}

func TestCommWithParenthesesAndSpaces(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, 1000, 800, []fixtureProc{
		{pid: 600, comm: "tmux: server (1)", jiffies: 10},
	})

	scanner := process.NewScanner(root)
	snap, err := scanner.Scan()
	require.NoError(t, err)
	require.Len(t, snap.Processes, 1)
	assert.Equal(t, "tmux: server (1)", snap.Processes[0].Comm)
}

func TestMalformedStatIsSkipped(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, 1000, 800, []fixtureProc{
		{pid: 100, comm: "good", jiffies: 10},
	})
	dir := filepath.Join(root, "700")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte("garbage"), 0o644))

	scanner := process.NewScanner(root)
	snap, err := scanner.Scan()
	require.NoError(t, err)
	require.Len(t, snap.Processes, 1)
	assert.Equal(t, 100, snap.Processes[0].PID)
}

func TestRSSIsReportedInBytes(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, 1000, 800, []fixtureProc{
		{pid: 100, comm: "firefox", jiffies: 10, rss: 256},
	})

	scanner := process.NewScanner(root)
	snap, err := scanner.Scan()
	require.NoError(t, err)
	require.Len(t, snap.Processes, 1)
	assert.Equal(t, int64(256)*int64(os.Getpagesize()), snap.Processes[0].RSS)
}
