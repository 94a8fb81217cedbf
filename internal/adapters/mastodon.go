package adapters

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fedigraph/fedigraph/internal/fedi"
	"github.com/fedigraph/fedigraph/internal/fetch"
)

// mastodonAdapter covers the mastodon-shaped API family: mastodon itself
// on /api/v2/instance, pleroma (and akkoma) and friendica on the v1
// shape. Peers come from /api/v1/instance/peers in both cases.
type mastodonAdapter struct {
	software fedi.Software
	infoPath string
	exec     *fetch.Executor
	logger   *zap.Logger
}

func newMastodon(software fedi.Software, infoPath string, exec *fetch.Executor, logger *zap.Logger) *mastodonAdapter {
	return &mastodonAdapter{
		software: software,
		infoPath: infoPath,
		exec:     exec,
		logger:   logger,
	}
}

func (a *mastodonAdapter) Software() fedi.Software { return a.software }

// instanceInfo holds the union of the v1 and v2 response fields this
// adapter reads. Absent fields decode to zero values.
type instanceInfo struct {
	Version   string   `json:"version"`
	Languages []string `json:"languages"`
	Usage     struct {
		Users struct {
			ActiveMonth int64 `json:"active_month"`
		} `json:"users"`
	} `json:"usage"`
	Stats struct {
		UserCount   int64 `json:"user_count"`
		StatusCount int64 `json:"status_count"`
		DomainCount int64 `json:"domain_count"`
	} `json:"stats"`
}

func (a *mastodonAdapter) Inspect(ctx context.Context, host string) (fedi.Report, error) {
	var info instanceInfo
	err := a.exec.JSON(ctx, fetch.Request{
		Method: http.MethodGet,
		Host:   host,
		Path:   a.infoPath,
	}, &info)
	if err != nil {
		return fedi.Report{}, err
	}

	report := fedi.Report{Attributes: a.attributes(info)}

	var peers []string
	err = a.exec.JSON(ctx, fetch.Request{
		Method: http.MethodGet,
		Host:   host,
		Path:   "/api/v1/instance/peers",
	}, &peers)
	if err != nil {
		return report, err
	}

	for _, peer := range peers {
		if obs, ok := federationObservation(host, peer); ok {
			report.Observations = append(report.Observations, obs)
		}
	}
	return report, nil
}

func (a *mastodonAdapter) attributes(info instanceInfo) map[string]string {
	attrs := map[string]string{"version": info.Version}
	if len(info.Languages) > 0 {
		attrs["languages"] = strings.Join(info.Languages, "/")
	}
	if a.infoPath == "/api/v2/instance" {
		attrs["active_users"] = strconv.FormatInt(info.Usage.Users.ActiveMonth, 10)
		return attrs
	}
	attrs["user_count"] = strconv.FormatInt(info.Stats.UserCount, 10)
	attrs["status_count"] = strconv.FormatInt(info.Stats.StatusCount, 10)
	attrs["domain_count"] = strconv.FormatInt(info.Stats.DomainCount, 10)
	return attrs
}
