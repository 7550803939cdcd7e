package app_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"codeberg.org/mutker/lassoctl/internal/app"
	"codeberg.org/mutker/lassoctl/internal/config"
	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/executor"
	"codeberg.org/mutker/lassoctl/internal/parking"
	"codeberg.org/mutker/lassoctl/internal/probalance"
	"codeberg.org/mutker/lassoctl/internal/process"
	"codeberg.org/mutker/lassoctl/internal/rules"
	"codeberg.org/mutker/lassoctl/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnforcer struct {
	mu            sync.Mutex
	affinityCalls []int // pids in call order
	niceCalls     []int
	forgotten     []int
	affinityErr   error
}

func (f *fakeEnforcer) SetAffinity(pid int, _ topology.CoreSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.affinityErr != nil {
		return f.affinityErr
	}
	f.affinityCalls = append(f.affinityCalls, pid)
	return nil
}

func (f *fakeEnforcer) SetNice(_ context.Context, pid, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.niceCalls = append(f.niceCalls, pid)
	return nil
}

func (f *fakeEnforcer) SetIONice(_ context.Context, _, _, _ int) error { return nil }

func (f *fakeEnforcer) Forget(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, pid)
}

func (f *fakeEnforcer) affinityCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.affinityCalls)
}

type fakeProber struct {
	installed bool
	probeErr  error
}

func (f *fakeProber) Installed() bool               { return f.installed }
func (f *fakeProber) Probe(_ context.Context) error { return f.probeErr }

type fakeExec struct{}

func (fakeExec) Do(_ context.Context, _ executor.Request) error { return nil }

type noopPrio struct{}

func (noopPrio) SetNice(_ context.Context, _, _ int) error    { return nil }
func (noopPrio) SetIONice(_ context.Context, _, _, _ int) error { return nil }
func (noopPrio) IONice(_ int) (int, int, error)               { return 0, 0, nil }

func newTestApp(t *testing.T, ruleList []rules.Rule) (*app.App, *fakeEnforcer, *config.Config) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("LASSOCTL_CONFIG", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	topo := topology.Topology{
		Preferred:    topology.NewCoreSet(0, 1, 2, 3),
		NonPreferred: topology.NewCoreSet(4, 5, 6, 7),
		HasAsymmetry: true,
		Reason:       topology.ReasonCacheAsymmetricCCD,
	}

	enforcer := &fakeEnforcer{}
	a := app.New(app.Deps{
		Config:     cfg,
		Scanner:    topology.NewScanner(),
		Controller: parking.New(topo, fakeExec{}),
		Engine:     rules.NewEngine(ruleList, topology.NewCoreSet()),
		Governor:   probalance.New(probalance.DefaultConfig(), noopPrio{}),
		Setter:     enforcer,
		Prober:     &fakeProber{installed: true},
	})

	return a, enforcer, cfg
}

func steamSnapshot() process.Snapshot {
	return process.Snapshot{Processes: []process.View{
		{PID: 100, Name: "steam", Comm: "steam"},
	}}
}

func steamRule() rules.Rule {
	return rules.Rule{
		Name:    "steam pinned",
		Pattern: "steam",
		Match:   rules.MatchExact,
		Cores:   topology.NewCoreSet(4, 5, 6, 7),
		Enabled: true,
	}
}

func TestEnforceIsIdempotentPerAssignment(t *testing.T) {
	a, enforcer, _ := newTestApp(t, []rules.Rule{steamRule()})
	ctx := context.Background()

	a.Enforce(ctx, steamSnapshot())
	require.Equal(t, 1, enforcer.affinityCount())

	// Steady state: nothing new to write.
	a.Enforce(ctx, steamSnapshot())
	a.Enforce(ctx, steamSnapshot())
	assert.Equal(t, 1, enforcer.affinityCount())
}

func TestEnforceRetriesAfterFailure(t *testing.T) {
	a, enforcer, _ := newTestApp(t, []rules.Rule{steamRule()})
	ctx := context.Background()

	enforcer.affinityErr = errors.New().New(errors.ErrWriteFailed)
	a.Enforce(ctx, steamSnapshot())
	assert.Zero(t, enforcer.affinityCount())

	enforcer.affinityErr = nil
	a.Enforce(ctx, steamSnapshot())
	assert.Equal(t, 1, enforcer.affinityCount(), "failed assignment retried next pass")
}

func TestEnforcePersistentFailureKeepsRetrying(t *testing.T) {
	a, enforcer, _ := newTestApp(t, []rules.Rule{steamRule()})
	ctx := context.Background()

	// A refusal that never goes away, e.g. a root-owned process matched
	// by a broad rule. Every pass retries; none records the assignment.
	enforcer.affinityErr = errors.New().New(errors.ErrPermissionDenied)
	a.Enforce(ctx, steamSnapshot())
	a.Enforce(ctx, steamSnapshot())
	a.Enforce(ctx, steamSnapshot())
	assert.Zero(t, enforcer.affinityCount())

	enforcer.affinityErr = nil
	a.Enforce(ctx, steamSnapshot())
	require.Equal(t, 1, enforcer.affinityCount())

	// Recovery recorded the fingerprint: steady state again.
	a.Enforce(ctx, steamSnapshot())
	assert.Equal(t, 1, enforcer.affinityCount())
}

func TestEnforceForgetsDeadPIDs(t *testing.T) {
	a, enforcer, _ := newTestApp(t, []rules.Rule{steamRule()})
	ctx := context.Background()

	a.Enforce(ctx, steamSnapshot())
	a.Enforce(ctx, process.Snapshot{}) // steam exited

	enforcer.mu.Lock()
	defer enforcer.mu.Unlock()
	assert.Contains(t, enforcer.forgotten, 100)
}

func TestRuleEditForcesReapply(t *testing.T) {
	a, enforcer, cfg := newTestApp(t, []rules.Rule{steamRule()})
	ctx := context.Background()

	a.Enforce(ctx, steamSnapshot())
	require.Equal(t, 1, enforcer.affinityCount())

	list := a.Rules()
	require.Len(t, list, 1)
	edited := list[0]
	edited.Cores = topology.NewCoreSet(6, 7)
	require.NoError(t, a.UpdateRule(edited))

	a.Enforce(ctx, steamSnapshot())
	assert.Equal(t, 2, enforcer.affinityCount(), "edited rule must be re-applied")

	// The edit was persisted.
	saved, err := os.ReadFile(filepath.Join(os.Getenv("HOME"), ".config", "lassoctl", "lassoctl.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(saved), "steam")
	assert.NotEmpty(t, cfg.Rules)
}

func TestGamingModeTogglePersistsIntentAndReapplies(t *testing.T) {
	a, enforcer, cfg := newTestApp(t, []rules.Rule{steamRule()})
	ctx := context.Background()

	a.Enforce(ctx, steamSnapshot())
	require.Equal(t, 1, enforcer.affinityCount())

	state, err := a.EnableGamingMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, parking.Parked, state)
	assert.True(t, cfg.GamingModeIntent)

	a.Enforce(ctx, steamSnapshot())
	assert.Equal(t, 2, enforcer.affinityCount(), "partition changed, assignments reissued")

	state, err = a.DisableGamingMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, parking.Unparked, state)
	assert.False(t, cfg.GamingModeIntent)
}

func TestRescanRefusedWhileParked(t *testing.T) {
	a, _, _ := newTestApp(t, nil)
	ctx := context.Background()

	_, err := a.EnableGamingMode(ctx)
	require.NoError(t, err)

	_, err = a.Rescan()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrResourceBusy))
}

func TestRuleCRUDThroughFacade(t *testing.T) {
	a, _, _ := newTestApp(t, nil)

	id, err := a.AddRule(steamRule())
	require.NoError(t, err)
	require.Len(t, a.Rules(), 1)

	require.NoError(t, a.RemoveRule(id))
	assert.Empty(t, a.Rules())

	err = a.RemoveRule(id)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrTargetNotFound))
}

func TestHelperStatus(t *testing.T) {
	a, _, _ := newTestApp(t, nil)

	status := a.HelperStatus(context.Background())
	assert.True(t, status.Installed)
	assert.True(t, status.Authorized)
}

func TestHelperStatusNotInstalled(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("LASSOCTL_CONFIG", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	a := app.New(app.Deps{
		Config:     cfg,
		Scanner:    topology.NewScanner(),
		Controller: parking.New(topology.Topology{}, fakeExec{}),
		Engine:     rules.NewEngine(nil, topology.NewCoreSet()),
		Governor:   probalance.New(probalance.DefaultConfig(), noopPrio{}),
		Setter:     &fakeEnforcer{},
		Prober:     &fakeProber{installed: false},
	})

	status := a.HelperStatus(context.Background())
	assert.False(t, status.Installed)
	assert.False(t, status.Authorized)
	assert.NotEmpty(t, status.Detail)
}
