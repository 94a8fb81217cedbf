package fedi

import (
	"context"
)

// Adapter is the per-software strategy that knows which endpoints to call
// for one instance and how to map the responses into generic records.
// Inspect may issue several rate-gated requests (pagination); a non-success
// outcome after the first request stops further pages and reports what was
// gathered so far. The returned error decides the instance status.
type Adapter interface {
	Software() Software
	Inspect(ctx context.Context, host string) (Report, error)
}

// RawStore is the append-only durability boundary for one run. Appends are
// concurrent-safe and each record is self-contained, so a crawl that dies
// mid-run leaves a replayable partial dataset.
type RawStore interface {
	AppendInstance(ctx context.Context, inst Instance) error
	AppendObservation(ctx context.Context, obs Observation) error
	Instances(ctx context.Context) ([]Instance, error)
	Observations(ctx context.Context) ([]Observation, error)
	Close() error
}

// Directory yields the bootstrap instance population for a software family.
type Directory interface {
	Hosts(ctx context.Context, software Software) ([]string, error)
}
