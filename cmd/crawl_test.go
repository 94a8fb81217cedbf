package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fedigraph/fedigraph/internal/adapters"
	"github.com/fedigraph/fedigraph/internal/config"
	"github.com/fedigraph/fedigraph/internal/fedi"
	"github.com/fedigraph/fedigraph/internal/fetch"
	"github.com/fedigraph/fedigraph/internal/ratelimit"
	"github.com/fedigraph/fedigraph/internal/rawstore"
	"github.com/fedigraph/fedigraph/internal/registry"
	"github.com/fedigraph/fedigraph/internal/scheduler"
)

func TestOpenStore_Backends(t *testing.T) {
	cfg := config.Config{Store: config.StoreConfig{Backend: config.StoreCSV}}
	store, err := openStore(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	require.IsType(t, &rawstore.CSVStore{}, store)
	require.NoError(t, store.Close())

	cfg.Store.Backend = config.StoreSQLite
	store, err = openStore(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	require.IsType(t, &rawstore.SQLiteStore{}, store)
	require.NoError(t, store.Close())
}

func TestProgressTracker(t *testing.T) {
	tracker := newProgressTracker()
	require.Empty(t, tracker.progress())

	gate := ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1})
	exec := fetch.NewExecutor(gate, fetch.Config{}, zap.NewNop())
	adapter, err := adapters.For(fedi.SoftwareMastodon, exec, adapters.Config{}, zap.NewNop())
	require.NoError(t, err)

	reg := registry.New()
	reg.Register("a.example", fedi.SoftwareMastodon)
	sched := scheduler.New(scheduler.Config{}, reg, adapter, rawstore.NewMemoryStore(), gate, zap.NewNop())
	tracker.track(sched)

	snapshots := tracker.progress()
	require.Len(t, snapshots, 1)
	require.Equal(t, scheduler.StateIdle, snapshots[0].State)
	require.Equal(t, fedi.SoftwareMastodon, snapshots[0].Software)
	require.Equal(t, 1, snapshots[0].Counts.Unvisited)
}

func TestCrawlCommand_RejectsUnknownSoftware(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"crawl", "geocities"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown software")
}
