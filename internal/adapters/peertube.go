package adapters

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/fedigraph/fedigraph/internal/fedi"
	"github.com/fedigraph/fedigraph/internal/fetch"
)

const peertubePageSize = 100

// peertubeAdapter reads server stats and config, then pages through the
// server following list. Instance follows are explicit in peertube, so
// each entry yields one federation observation.
type peertubeAdapter struct {
	exec   *fetch.Executor
	logger *zap.Logger
}

func newPeertube(exec *fetch.Executor, logger *zap.Logger) *peertubeAdapter {
	return &peertubeAdapter{exec: exec, logger: logger}
}

func (a *peertubeAdapter) Software() fedi.Software { return fedi.SoftwarePeertube }

type peertubeStats struct {
	TotalUsers              int64 `json:"totalUsers"`
	TotalMonthlyActiveUsers int64 `json:"totalMonthlyActiveUsers"`
	TotalLocalVideos        int64 `json:"totalLocalVideos"`
	TotalVideos             int64 `json:"totalVideos"`
	TotalVideoComments      int64 `json:"totalVideoComments"`
}

type peertubeFollowing struct {
	Total int64 `json:"total"`
	Data  []struct {
		Following struct {
			Host string `json:"host"`
		} `json:"following"`
	} `json:"data"`
}

func (a *peertubeAdapter) Inspect(ctx context.Context, host string) (fedi.Report, error) {
	var stats peertubeStats
	err := a.exec.JSON(ctx, fetch.Request{
		Method: http.MethodGet,
		Host:   host,
		Path:   "/api/v1/server/stats",
	}, &stats)
	if err != nil {
		return fedi.Report{}, err
	}

	attrs := map[string]string{
		"total_users":                strconv.FormatInt(stats.TotalUsers, 10),
		"total_monthly_active_users": strconv.FormatInt(stats.TotalMonthlyActiveUsers, 10),
		"total_local_videos":         strconv.FormatInt(stats.TotalLocalVideos, 10),
		"total_videos":               strconv.FormatInt(stats.TotalVideos, 10),
		"total_video_comments":       strconv.FormatInt(stats.TotalVideoComments, 10),
	}

	var config struct {
		ServerVersion string `json:"serverVersion"`
	}
	err = a.exec.JSON(ctx, fetch.Request{
		Method: http.MethodGet,
		Host:   host,
		Path:   "/api/v1/config",
	}, &config)
	if err != nil {
		return fedi.Report{Attributes: attrs}, err
	}
	attrs["version"] = config.ServerVersion
	report := fedi.Report{Attributes: attrs}

	for start := int64(0); ; start += peertubePageSize {
		var page peertubeFollowing
		err := a.exec.JSON(ctx, fetch.Request{
			Method: http.MethodGet,
			Host:   host,
			Path:   "/api/v1/server/following",
			Query: url.Values{
				"count": {strconv.Itoa(peertubePageSize)},
				"start": {strconv.FormatInt(start, 10)},
			},
		}, &page)
		if err != nil {
			if start == 0 {
				return report, err
			}
			// A failed later page keeps the instance reachable with the
			// follows collected so far.
			a.logger.Debug("following page failed",
				zap.String("host", host), zap.Int64("start", start), zap.Error(err))
			return report, nil
		}
		for _, entry := range page.Data {
			if obs, ok := federationObservation(host, entry.Following.Host); ok {
				report.Observations = append(report.Observations, obs)
			}
		}
		if start+peertubePageSize >= page.Total || len(page.Data) == 0 {
			return report, nil
		}
	}
}
