// Package scheduler implements the bounded-concurrency crawl loop: it
// pulls instances from the registry, fans adapter-driven crawls out over a
// worker pool, and streams the results into the raw store.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fedigraph/fedigraph/internal/fedi"
	"github.com/fedigraph/fedigraph/internal/ratelimit"
	"github.com/fedigraph/fedigraph/internal/registry"
	"github.com/fedigraph/fedigraph/internal/telemetry"
)

// State is the lifecycle of one scheduler run.
type State string

// Scheduler states.
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateDone     State = "done"
)

// Config controls scheduler behavior.
type Config struct {
	// Concurrency bounds the number of in-flight instance crawls,
	// independent of the population size.
	Concurrency int
	// BatchSize is how many instances a single registry pull claims.
	BatchSize int
	// PollInterval is how often the dispatcher re-checks an empty registry
	// while crawls are still in flight.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 32
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	return c
}

// Progress is a point-in-time view of the run for logs and the progress API.
type Progress struct {
	State    State           `json:"state"`
	Software fedi.Software   `json:"software"`
	Counts   registry.Counts `json:"counts"`
}

// Scheduler drives one crawl run for one software family.
type Scheduler struct {
	cfg     Config
	reg     *registry.Registry
	adapter fedi.Adapter
	store   fedi.RawStore
	gate    *ratelimit.Gate
	logger  *zap.Logger

	mu    sync.Mutex
	state State
}

// New constructs a Scheduler.
func New(
	cfg Config,
	reg *registry.Registry,
	adapter fedi.Adapter,
	store fedi.RawStore,
	gate *ratelimit.Gate,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		reg:     reg,
		adapter: adapter,
		store:   store,
		gate:    gate,
		logger:  logger,
		state:   StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Progress returns the current run snapshot.
func (s *Scheduler) Progress() Progress {
	return Progress{
		State:    s.State(),
		Software: s.adapter.Software(),
		Counts:   s.reg.Counts(),
	}
}

// Run blocks until no Unvisited and no InFlight instances remain, the
// context ends, or the store fails. Per-instance faults never abort the
// run; only store errors are fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setState(StateRunning)
	defer s.setState(StateDone)

	work := make(chan string)
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.dispatch(groupCtx, work)
		return nil
	})
	for i := 0; i < s.cfg.Concurrency; i++ {
		group.Go(func() error {
			return s.worker(groupCtx, work)
		})
	}

	err := group.Wait()
	if aborted := s.reg.AbortInFlight(); aborted > 0 {
		s.logger.Warn("run interrupted, in-flight instances marked unreachable",
			zap.Int("aborted", aborted))
	}
	if err != nil {
		return fmt.Errorf("crawl run: %w", err)
	}
	return ctx.Err()
}

// dispatch feeds unvisited hosts to the workers until the registry is
// fully drained. Discovery can grow the registry while crawls run, so the
// loop re-polls until no Unvisited and no InFlight instances remain.
func (s *Scheduler) dispatch(ctx context.Context, work chan<- string) {
	defer close(work)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		batch := s.reg.NextBatch(s.cfg.BatchSize)
		for _, host := range batch {
			select {
			case work <- host:
			case <-ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		counts := s.reg.Counts()
		if counts.Unvisited == 0 && counts.InFlight == 0 {
			return
		}
		s.setState(StateDraining)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.setState(StateRunning)
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, work <-chan string) error {
	for host := range work {
		if err := s.crawlOne(ctx, host); err != nil {
			return err
		}
	}
	return nil
}

// crawlOne runs the adapter for one instance and records the outcome. The
// returned error is non-nil only for store failures, which abort the run.
func (s *Scheduler) crawlOne(ctx context.Context, host string) error {
	telemetry.WorkerStarted()
	defer telemetry.WorkerFinished()
	defer s.gate.Forget(host)

	report, inspectErr := s.adapter.Inspect(ctx, host)
	status := fedi.StatusReachable
	if inspectErr != nil {
		status = fedi.StatusUnreachable
		s.logger.Debug("instance unreachable",
			zap.String("host", host), zap.Error(inspectErr))
	}

	// Appends run detached from the run context: on cancellation the data
	// gathered so far must still land in the store intact.
	storeCtx := context.WithoutCancel(ctx)
	for _, obs := range report.Observations {
		s.reg.Register(obs.Target, s.adapter.Software())
		if err := s.store.AppendObservation(storeCtx, obs); err != nil {
			s.reg.MarkResult(host, fedi.StatusUnreachable, nil)
			return fmt.Errorf("append observation: %w", err)
		}
		telemetry.ObservationAppended(string(obs.Kind))
	}

	inst := fedi.Instance{
		Host:       host,
		Software:   s.adapter.Software(),
		Status:     status,
		Attributes: report.Attributes,
	}
	if err := s.store.AppendInstance(storeCtx, inst); err != nil {
		s.reg.MarkResult(host, fedi.StatusUnreachable, nil)
		return fmt.Errorf("append instance: %w", err)
	}

	if s.reg.MarkResult(host, status, report.Attributes) {
		telemetry.InstanceFinalized(string(status))
	}
	return nil
}
