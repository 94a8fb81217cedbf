package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fedigraph/fedigraph/internal/fedi"
	"github.com/fedigraph/fedigraph/internal/fetch"
)

const lemmyPageSize = 50

var errFederationDisabled = errors.New("federation disabled")

// lemmyAdapter reads /api/v3/site, which changed shape across versions:
// older servers embed federated instance lists as plain domain strings,
// newer ones require a second call to /api/v3/federated_instances that
// returns tagged objects. Linked instances become federation
// observations, blocked ones block observations. On top of that a
// bounded sample of local communities yields interaction observations
// from post authors.
type lemmyAdapter struct {
	exec       *fetch.Executor
	sampleSize int
	logger     *zap.Logger
}

func newLemmy(exec *fetch.Executor, sampleSize int, logger *zap.Logger) *lemmyAdapter {
	return &lemmyAdapter{exec: exec, sampleSize: sampleSize, logger: logger}
}

func (a *lemmyAdapter) Software() fedi.Software { return fedi.SoftwareLemmy }

// instanceRef decodes both historical shapes of a federated instance
// entry: a bare domain string, or an object with domain and software.
type instanceRef struct {
	Domain   string `json:"domain"`
	Software string `json:"software"`
}

func (r *instanceRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var domain string
		if err := json.Unmarshal(data, &domain); err != nil {
			return err
		}
		*r = instanceRef{Domain: domain, Software: "lemmy"}
		return nil
	}
	type plain instanceRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = instanceRef(p)
	return nil
}

type lemmySite struct {
	Version  string `json:"version"`
	SiteView struct {
		Counts struct {
			Users       int64 `json:"users"`
			Posts       int64 `json:"posts"`
			Comments    int64 `json:"comments"`
			Communities int64 `json:"communities"`
		} `json:"counts"`
		LocalSite *struct {
			FederationEnabled bool `json:"federation_enabled"`
		} `json:"local_site"`
	} `json:"site_view"`
	FederatedInstances *lemmyFederatedInstances `json:"federated_instances"`
}

type lemmyFederatedInstances struct {
	Linked  []instanceRef `json:"linked"`
	Blocked []instanceRef `json:"blocked"`
}

func (a *lemmyAdapter) Inspect(ctx context.Context, host string) (fedi.Report, error) {
	var site lemmySite
	err := a.exec.JSON(ctx, fetch.Request{
		Method: http.MethodGet,
		Host:   host,
		Path:   "/api/v3/site",
	}, &site)
	if err != nil {
		return fedi.Report{}, err
	}

	report := fedi.Report{Attributes: map[string]string{
		"version":     site.Version,
		"users":       strconv.FormatInt(site.SiteView.Counts.Users, 10),
		"posts":       strconv.FormatInt(site.SiteView.Counts.Posts, 10),
		"comments":    strconv.FormatInt(site.SiteView.Counts.Comments, 10),
		"communities": strconv.FormatInt(site.SiteView.Counts.Communities, 10),
	}}

	// Older servers default federation on and omit local_site entirely.
	if local := site.SiteView.LocalSite; local != nil && !local.FederationEnabled {
		return report, errFederationDisabled
	}

	federated := site.FederatedInstances
	if federated == nil {
		var resp struct {
			FederatedInstances lemmyFederatedInstances `json:"federated_instances"`
		}
		err := a.exec.JSON(ctx, fetch.Request{
			Method: http.MethodGet,
			Host:   host,
			Path:   "/api/v3/federated_instances",
		}, &resp)
		if err != nil {
			return report, err
		}
		federated = &resp.FederatedInstances
	}

	now := time.Now().UTC()
	for _, ref := range federated.Linked {
		if ref.Software != "lemmy" {
			continue
		}
		if obs, ok := federationObservation(host, ref.Domain); ok {
			report.Observations = append(report.Observations, obs)
		}
	}
	for _, ref := range federated.Blocked {
		if ref.Software != "lemmy" {
			continue
		}
		target := fedi.NormalizeHost(ref.Domain)
		if target == "" || target == host {
			continue
		}
		report.Observations = append(report.Observations, fedi.Observation{
			Source:     host,
			Target:     target,
			Kind:       fedi.EdgeBlock,
			Weight:     1,
			ObservedAt: now,
		})
	}

	a.sampleCommunities(ctx, host, &report)
	return report, nil
}

// sampleCommunities walks the most active local communities and emits
// one interaction observation per post: intra-instance when the author
// is local, inter-instance otherwise. Failures here never demote the
// instance; the federation data already stands.
func (a *lemmyAdapter) sampleCommunities(ctx context.Context, host string, report *fedi.Report) {
	var list struct {
		Communities []struct {
			Community struct {
				Name string `json:"name"`
			} `json:"community"`
		} `json:"communities"`
	}
	err := a.exec.JSON(ctx, fetch.Request{
		Method: http.MethodGet,
		Host:   host,
		Path:   "/api/v3/community/list",
		Query: url.Values{
			"limit": {strconv.Itoa(a.sampleSize)},
			"type_": {"Local"},
			"sort":  {"TopMonth"},
		},
	}, &list)
	if err != nil {
		a.logger.Debug("community list failed", zap.String("host", host), zap.Error(err))
		return
	}

	for _, entry := range list.Communities {
		if err := a.sampleCommunityPosts(ctx, host, entry.Community.Name, report); err != nil {
			a.logger.Debug("community posts failed",
				zap.String("host", host),
				zap.String("community", entry.Community.Name),
				zap.Error(err))
			return
		}
	}
}

func (a *lemmyAdapter) sampleCommunityPosts(ctx context.Context, host, community string, report *fedi.Report) error {
	var list struct {
		Posts []struct {
			Creator struct {
				ActorID string `json:"actor_id"`
			} `json:"creator"`
		} `json:"posts"`
	}
	err := a.exec.JSON(ctx, fetch.Request{
		Method: http.MethodGet,
		Host:   host,
		Path:   "/api/v3/post/list",
		Query: url.Values{
			"limit":          {strconv.Itoa(lemmyPageSize)},
			"sort":           {"TopMonth"},
			"community_name": {community},
		},
	}, &list)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, post := range list.Posts {
		actor, err := url.Parse(post.Creator.ActorID)
		if err != nil || actor.Host == "" {
			continue
		}
		source := fedi.NormalizeHost(actor.Host)
		kind := fedi.EdgeCommunityInter
		if source == host {
			kind = fedi.EdgeCommunityIntra
		}
		report.Observations = append(report.Observations, fedi.Observation{
			Source:     source,
			Target:     host,
			Kind:       kind,
			Weight:     1,
			ObservedAt: now,
		})
	}
	return nil
}
