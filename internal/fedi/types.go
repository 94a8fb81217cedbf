// Package fedi defines core types shared across subsystems.
package fedi

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Software identifies a Fediverse software family. Graphs never mix
// instances of different families.
type Software string

// Software families with a crawler implementation.
const (
	SoftwareBookwyrm  Software = "bookwyrm"
	SoftwareFriendica Software = "friendica"
	SoftwareLemmy     Software = "lemmy"
	SoftwareMastodon  Software = "mastodon"
	SoftwareMisskey   Software = "misskey"
	SoftwarePeertube  Software = "peertube"
	SoftwarePleroma   Software = "pleroma"
)

// AllSoftware returns every supported family in a stable order.
func AllSoftware() []Software {
	return []Software{
		SoftwareBookwyrm,
		SoftwareFriendica,
		SoftwareLemmy,
		SoftwareMastodon,
		SoftwareMisskey,
		SoftwarePeertube,
		SoftwarePleroma,
	}
}

// ParseSoftware maps a CLI/config string to a Software value.
func ParseSoftware(raw string) (Software, error) {
	s := Software(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllSoftware() {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown software %q", raw)
}

// Status represents the lifecycle state of an instance within one run.
// Transitions are strictly Unvisited -> InFlight -> {Reachable, Unreachable}
// and terminal states are write-once.
type Status string

// Instance status values.
const (
	StatusUnvisited   Status = "unvisited"
	StatusInFlight    Status = "in_flight"
	StatusReachable   Status = "reachable"
	StatusUnreachable Status = "unreachable"
)

// Terminal reports whether the status finalizes the instance for the run.
func (s Status) Terminal() bool {
	return s == StatusReachable || s == StatusUnreachable
}

// EdgeKind classifies an observed interaction between two instances.
type EdgeKind string

// Edge kinds. Federation and Block collapse duplicates to a fixed weight;
// the remaining kinds are additive per-contribution counts.
const (
	EdgeFederation     EdgeKind = "federation"
	EdgeBlock          EdgeKind = "block"
	EdgeFollow         EdgeKind = "follow"
	EdgeCommunityIntra EdgeKind = "community_intra"
	EdgeCommunityInter EdgeKind = "community_inter"
)

// Additive reports whether observation weights for this kind sum up, as
// opposed to collapsing duplicates to a single presence edge.
func (k EdgeKind) Additive() bool {
	switch k {
	case EdgeFollow, EdgeCommunityIntra, EdgeCommunityInter:
		return true
	default:
		return false
	}
}

// Instance is one Fediverse server, identified by its normalized host name.
type Instance struct {
	Host       string            `json:"host"`
	Software   Software          `json:"software"`
	Status     Status            `json:"status"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AttributeKeys returns the attribute names in lexicographic order.
func (i Instance) AttributeKeys() []string {
	keys := make([]string, 0, len(i.Attributes))
	for k := range i.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Observation is one immutable raw record emitted by an adapter. Several
// observations may describe the same (source, target, kind) tuple; the
// reducer combines them, never overwrites.
type Observation struct {
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	Kind       EdgeKind  `json:"kind"`
	Weight     int64     `json:"weight"`
	ObservedAt time.Time `json:"observed_at"`
}

// Edge is one aggregated row of the clean graph.
type Edge struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   EdgeKind `json:"kind"`
	Weight int64    `json:"weight"`
}

// Report is what an adapter gathered for one instance. On partial failure
// it carries whatever was collected before the failing request.
type Report struct {
	Attributes   map[string]string
	Observations []Observation
}

// NormalizeHost canonicalizes an instance identifier: lowercase host name,
// no scheme, no path, no trailing slash.
func NormalizeHost(raw string) string {
	h := strings.ToLower(strings.TrimSpace(raw))
	for _, prefix := range []string{"https://", "http://"} {
		h = strings.TrimPrefix(h, prefix)
	}
	if idx := strings.IndexByte(h, '/'); idx >= 0 {
		h = h[:idx]
	}
	return strings.TrimSuffix(h, ".")
}
