// Package registry holds the candidate instance population for one run and
// tracks each instance's discovered status.
package registry

import (
	"sync"

	"github.com/fedigraph/fedigraph/internal/fedi"
)

// Counts is a point-in-time view of the population by status.
type Counts struct {
	Unvisited   int `json:"unvisited"`
	InFlight    int `json:"in_flight"`
	Reachable   int `json:"reachable"`
	Unreachable int `json:"unreachable"`
}

// Registry is safe for concurrent use by many workers. Registration is
// idempotent, status finalization is write-once, so interleaving order
// never affects the final state.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*fedi.Instance
	queue     []string
	counts    Counts
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{instances: make(map[string]*fedi.Instance)}
}

// Register inserts host with status Unvisited if unseen and reports whether
// the host was new. Re-registering is a no-op; the first writer wins on the
// software family.
func (r *Registry) Register(host string, software fedi.Software) bool {
	host = fedi.NormalizeHost(host)
	if host == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[host]; ok {
		return false
	}
	r.instances[host] = &fedi.Instance{
		Host:     host,
		Software: software,
		Status:   fedi.StatusUnvisited,
	}
	r.queue = append(r.queue, host)
	r.counts.Unvisited++
	return true
}

// NextBatch yields up to limit Unvisited hosts and marks them InFlight.
func (r *Registry) NextBatch(limit int) []string {
	if limit <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := limit
	if n > len(r.queue) {
		n = len(r.queue)
	}
	batch := make([]string, 0, n)
	for _, host := range r.queue[:n] {
		inst := r.instances[host]
		inst.Status = fedi.StatusInFlight
		r.counts.Unvisited--
		r.counts.InFlight++
		batch = append(batch, host)
	}
	r.queue = r.queue[n:]
	return batch
}

// MarkResult finalizes an instance's status once and merges the discovered
// attributes. It reports whether the call took effect; finalizing an
// already-terminal instance is a no-op.
func (r *Registry) MarkResult(host string, status fedi.Status, attrs map[string]string) bool {
	if !status.Terminal() {
		return false
	}
	host = fedi.NormalizeHost(host)
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[host]
	if !ok || inst.Status.Terminal() {
		return false
	}
	switch inst.Status {
	case fedi.StatusInFlight:
		r.counts.InFlight--
	case fedi.StatusUnvisited:
		r.counts.Unvisited--
		r.dropQueued(host)
	}
	inst.Status = status
	if status == fedi.StatusReachable {
		r.counts.Reachable++
	} else {
		r.counts.Unreachable++
	}
	if len(attrs) > 0 {
		if inst.Attributes == nil {
			inst.Attributes = make(map[string]string, len(attrs))
		}
		for k, v := range attrs {
			inst.Attributes[k] = v
		}
	}
	return true
}

func (r *Registry) dropQueued(host string) {
	for i, queued := range r.queue {
		if queued == host {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

// AbortInFlight finalizes every InFlight instance as Unreachable. Used when
// a run-level cancellation tears the workers down.
func (r *Registry) AbortInFlight() int {
	r.mu.Lock()
	inflight := make([]string, 0, r.counts.InFlight)
	for host, inst := range r.instances {
		if inst.Status == fedi.StatusInFlight {
			inflight = append(inflight, host)
		}
	}
	r.mu.Unlock()
	for _, host := range inflight {
		r.MarkResult(host, fedi.StatusUnreachable, nil)
	}
	return len(inflight)
}

// Counts returns the population breakdown by status.
func (r *Registry) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

// Idle reports whether no Unvisited and no InFlight instances remain, the
// scheduler's termination condition.
func (r *Registry) Idle() bool {
	c := r.Counts()
	return c.Unvisited == 0 && c.InFlight == 0
}

// Snapshot copies the full population. Attribute maps are shallow-copied so
// callers cannot mutate registry state.
func (r *Registry) Snapshot() []fedi.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fedi.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		copied := *inst
		if inst.Attributes != nil {
			copied.Attributes = make(map[string]string, len(inst.Attributes))
			for k, v := range inst.Attributes {
				copied.Attributes[k] = v
			}
		}
		out = append(out, copied)
	}
	return out
}
