package history_test

import (
	"path/filepath"
	"testing"

	"codeberg.org/mutker/lassoctl/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) history.Config {
	t.Helper()

	cfg := history.DefaultConfig()
	cfg.Enabled = true
	cfg.DBPath = filepath.Join(t.TempDir(), "history.db")

	return cfg
}

func TestDisabledConfigYieldsNopSink(t *testing.T) {
	sink, closer, err := history.NewSink(history.DefaultConfig())
	require.NoError(t, err)
	defer closer()

	_, ok := sink.(history.NopSink)
	assert.True(t, ok)
	sink.Record(history.Event{Kind: history.KindPark}) // must not panic
}

func TestEnabledWithoutPathIsRejected(t *testing.T) {
	cfg := history.DefaultConfig()
	cfg.Enabled = true

	_, _, err := history.NewSink(cfg)
	require.Error(t, err)
}

func TestRecordAndRecent(t *testing.T) {
	repo, err := history.NewRepository(testConfig(t))
	require.NoError(t, err)
	defer repo.Close()

	repo.Record(history.Event{Kind: history.KindPark, Detail: "cpu4"})
	repo.Record(history.Event{Kind: history.KindThrottle, PID: 100, Name: "cruncher"})
	repo.Record(history.Event{Kind: history.KindRestore, PID: 100, Name: "cruncher"})

	events, err := repo.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Newest first.
	assert.Equal(t, history.KindRestore, events[0].Kind)
	assert.Equal(t, history.KindThrottle, events[1].Kind)
	assert.Equal(t, history.KindPark, events[2].Kind)
	assert.Equal(t, "cpu4", events[2].Detail)
	assert.Equal(t, 100, events[1].PID)
	assert.False(t, events[0].Time.IsZero())
}

func TestRecentHonorsLimit(t *testing.T) {
	repo, err := history.NewRepository(testConfig(t))
	require.NoError(t, err)
	defer repo.Close()

	for i := 0; i < 10; i++ {
		repo.Record(history.Event{Kind: history.KindPark, Detail: "cpu4"})
	}

	events, err := repo.Recent(3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestEventsSurviveClose(t *testing.T) {
	cfg := testConfig(t)

	repo, err := history.NewRepository(cfg)
	require.NoError(t, err)
	repo.Record(history.Event{Kind: history.KindUnpark, Detail: "cpu5"})
	require.NoError(t, repo.Close())

	reopened, err := history.NewRepository(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, history.KindUnpark, events[0].Kind)
}
