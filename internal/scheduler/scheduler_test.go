package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fedigraph/fedigraph/internal/fedi"
	"github.com/fedigraph/fedigraph/internal/ratelimit"
	"github.com/fedigraph/fedigraph/internal/rawstore"
	"github.com/fedigraph/fedigraph/internal/reducer"
	"github.com/fedigraph/fedigraph/internal/registry"
)

type fakeAdapter struct {
	mu       sync.Mutex
	software fedi.Software
	reports  map[string]fedi.Report
	errs     map[string]error
	delay    time.Duration
	seen     []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		software: fedi.SoftwareMastodon,
		reports:  make(map[string]fedi.Report),
		errs:     make(map[string]error),
	}
}

func (a *fakeAdapter) Software() fedi.Software { return a.software }

func (a *fakeAdapter) Inspect(ctx context.Context, host string) (fedi.Report, error) {
	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return fedi.Report{}, ctx.Err()
		case <-time.After(a.delay):
		}
	}
	a.mu.Lock()
	a.seen = append(a.seen, host)
	report := a.reports[host]
	err := a.errs[host]
	a.mu.Unlock()
	if err != nil {
		return report, err
	}
	return report, ctx.Err()
}

func (a *fakeAdapter) visited() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seen...)
}

type failingStore struct {
	*rawstore.MemoryStore
	err error
}

func (s *failingStore) AppendObservation(context.Context, fedi.Observation) error {
	return s.err
}

func newScheduler(adapter fedi.Adapter, store fedi.RawStore, reg *registry.Registry) *Scheduler {
	gate := ratelimit.New(ratelimit.Config{RPS: 1000, Burst: 100})
	return New(Config{Concurrency: 4, PollInterval: 5 * time.Millisecond}, reg, adapter, store, gate, zap.NewNop())
}

func federationObs(source, target string) fedi.Observation {
	return fedi.Observation{
		Source:     source,
		Target:     target,
		Kind:       fedi.EdgeFederation,
		Weight:     1,
		ObservedAt: time.Now().UTC(),
	}
}

func TestScheduler_RunVisitsSeedsAndFinishes(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	adapter.reports["a.example"] = fedi.Report{Attributes: map[string]string{"version": "4.2"}}
	adapter.reports["b.example"] = fedi.Report{}

	reg := registry.New()
	reg.Register("a.example", fedi.SoftwareMastodon)
	reg.Register("b.example", fedi.SoftwareMastodon)

	store := rawstore.NewMemoryStore()
	s := newScheduler(adapter, store, reg)
	require.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, StateDone, s.State())
	require.ElementsMatch(t, []string{"a.example", "b.example"}, adapter.visited())

	counts := reg.Counts()
	require.Equal(t, 2, counts.Reachable)
	require.True(t, reg.Idle())

	instances, err := store.Instances(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 2)
}

func TestScheduler_DiscoveredPeersAreCrawled(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	adapter.reports["seed.example"] = fedi.Report{
		Observations: []fedi.Observation{
			federationObs("seed.example", "peer1.example"),
			federationObs("seed.example", "peer2.example"),
		},
	}
	adapter.reports["peer1.example"] = fedi.Report{
		Observations: []fedi.Observation{
			federationObs("peer1.example", "peer3.example"),
		},
	}

	reg := registry.New()
	reg.Register("seed.example", fedi.SoftwareMastodon)

	s := newScheduler(adapter, rawstore.NewMemoryStore(), reg)
	require.NoError(t, s.Run(context.Background()))

	// Registry grew transitively and every discovered host was crawled.
	require.ElementsMatch(t,
		[]string{"seed.example", "peer1.example", "peer2.example", "peer3.example"},
		adapter.visited(),
	)
	require.True(t, reg.Idle())
}

func TestScheduler_TerminatesWhenEveryInstanceIsUnreachable(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	reg := registry.New()
	for _, host := range []string{"a.example", "b.example", "c.example"} {
		reg.Register(host, fedi.SoftwareMastodon)
		adapter.errs[host] = errors.New("connection refused")
	}

	s := newScheduler(adapter, rawstore.NewMemoryStore(), reg)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not terminate")
	}
	require.Equal(t, 3, reg.Counts().Unreachable)
}

func TestScheduler_AdapterFailureKeepsPartialData(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	adapter.reports["flaky.example"] = fedi.Report{
		Observations: []fedi.Observation{
			federationObs("flaky.example", "other.example"),
		},
	}
	adapter.errs["flaky.example"] = errors.New("page 2 timed out")
	adapter.errs["other.example"] = errors.New("unreachable")

	reg := registry.New()
	reg.Register("flaky.example", fedi.SoftwareMastodon)

	store := rawstore.NewMemoryStore()
	s := newScheduler(adapter, store, reg)
	require.NoError(t, s.Run(context.Background()))

	// Partial observations were flushed even though the instance failed.
	observations, err := store.Observations(context.Background())
	require.NoError(t, err)
	require.Len(t, observations, 1)

	snap := reg.Snapshot()
	for _, inst := range snap {
		require.Equal(t, fedi.StatusUnreachable, inst.Status)
	}
}

func TestScheduler_StoreFailureIsFatal(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	adapter.reports["a.example"] = fedi.Report{
		Observations: []fedi.Observation{federationObs("a.example", "b.example")},
	}

	reg := registry.New()
	reg.Register("a.example", fedi.SoftwareMastodon)

	store := &failingStore{MemoryStore: rawstore.NewMemoryStore(), err: errors.New("disk full")}
	s := newScheduler(adapter, store, reg)

	err := s.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
}

func TestScheduler_CancellationMarksInFlightUnreachable(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter()
	adapter.delay = time.Second
	reg := registry.New()
	for _, host := range []string{"a.example", "b.example"} {
		reg.Register(host, fedi.SoftwareMastodon)
	}

	s := newScheduler(adapter, rawstore.NewMemoryStore(), reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop on cancellation")
	}
	require.True(t, reg.Idle())
	require.Zero(t, reg.Counts().Reachable)
}

func TestScheduler_EndToEndCleanGraphScenario(t *testing.T) {
	t.Parallel()

	// host1 reports a follow edge to host2; host2 times out. The clean
	// graph keeps host1 and drops the edge.
	adapter := newFakeAdapter()
	adapter.reports["host1.example"] = fedi.Report{
		Observations: []fedi.Observation{{
			Source:     "host1.example",
			Target:     "host2.example",
			Kind:       fedi.EdgeFollow,
			Weight:     5,
			ObservedAt: time.Now().UTC(),
		}},
	}
	adapter.errs["host2.example"] = errors.New("timeout")

	reg := registry.New()
	reg.Register("host1.example", fedi.SoftwareMastodon)
	reg.Register("host2.example", fedi.SoftwareMastodon)

	store := rawstore.NewMemoryStore()
	s := newScheduler(adapter, store, reg)
	require.NoError(t, s.Run(context.Background()))

	result, err := reducer.Reduce(context.Background(), store, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)
	require.Equal(t, "host1.example", result.Nodes[0].Host)
	require.Empty(t, result.Edges)
}
