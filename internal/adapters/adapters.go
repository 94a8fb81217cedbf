// Package adapters implements the per-software inspection strategies.
// Each adapter translates one Fediverse API surface into the common
// Report shape; it never touches the registry or the store.
package adapters

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fedigraph/fedigraph/internal/fedi"
	"github.com/fedigraph/fedigraph/internal/fetch"
)

// Config tunes sampling-based adapters. Federation-list adapters ignore
// it.
type Config struct {
	// SampleSize bounds per-instance sampling: communities per lemmy
	// instance, top users per misskey instance.
	SampleSize int
}

func (c Config) withDefaults() Config {
	if c.SampleSize <= 0 {
		c.SampleSize = 10
	}
	return c
}

// For returns the adapter for one software family.
func For(software fedi.Software, exec *fetch.Executor, cfg Config, logger *zap.Logger) (fedi.Adapter, error) {
	cfg = cfg.withDefaults()
	switch software {
	case fedi.SoftwareMastodon:
		return newMastodon(fedi.SoftwareMastodon, "/api/v2/instance", exec, logger), nil
	case fedi.SoftwarePleroma:
		return newMastodon(fedi.SoftwarePleroma, "/api/v1/instance", exec, logger), nil
	case fedi.SoftwareFriendica:
		return newMastodon(fedi.SoftwareFriendica, "/api/v1/instance", exec, logger), nil
	case fedi.SoftwareBookwyrm:
		return newBookwyrm(exec, logger), nil
	case fedi.SoftwarePeertube:
		return newPeertube(exec, logger), nil
	case fedi.SoftwareLemmy:
		return newLemmy(exec, cfg.SampleSize, logger), nil
	case fedi.SoftwareMisskey:
		return newMisskey(exec, cfg.SampleSize, logger), nil
	default:
		return nil, fmt.Errorf("no adapter for software %q", software)
	}
}

// All returns one adapter per supported software family.
func All(exec *fetch.Executor, cfg Config, logger *zap.Logger) ([]fedi.Adapter, error) {
	out := make([]fedi.Adapter, 0, len(fedi.AllSoftware()))
	for _, software := range fedi.AllSoftware() {
		adapter, err := For(software, exec, cfg, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, adapter)
	}
	return out, nil
}

func federationObservation(source, target string) (fedi.Observation, bool) {
	host := fedi.NormalizeHost(target)
	if host == "" || host == source {
		return fedi.Observation{}, false
	}
	return fedi.Observation{
		Source:     source,
		Target:     host,
		Kind:       fedi.EdgeFederation,
		Weight:     1,
		ObservedAt: time.Now().UTC(),
	}, true
}
