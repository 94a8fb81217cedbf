package adapters

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fedigraph/fedigraph/internal/fedi"
	"github.com/fedigraph/fedigraph/internal/fetch"
)

const (
	misskeyFederationPageSize = 30
	misskeyUserPageSize       = 100
)

// misskeyAdapter pages through POST /api/federation/instances for the
// known-instance list, then samples the most-followed local users and
// walks their follower lists to weight follow observations per
// follower's instance.
type misskeyAdapter struct {
	exec       *fetch.Executor
	sampleSize int
	logger     *zap.Logger
}

func newMisskey(exec *fetch.Executor, sampleSize int, logger *zap.Logger) *misskeyAdapter {
	return &misskeyAdapter{exec: exec, sampleSize: sampleSize, logger: logger}
}

func (a *misskeyAdapter) Software() fedi.Software { return fedi.SoftwareMisskey }

type misskeyInstance struct {
	Host         string `json:"host"`
	SoftwareName string `json:"softwareName"`
}

type misskeyUser struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Host           string `json:"host"`
	FollowersCount int64  `json:"followersCount"`
}

func (a *misskeyAdapter) Inspect(ctx context.Context, host string) (fedi.Report, error) {
	var stats struct {
		OriginalUsersCount int64 `json:"originalUsersCount"`
		OriginalNotesCount int64 `json:"originalNotesCount"`
	}
	err := a.exec.JSON(ctx, fetch.Request{
		Method: http.MethodPost,
		Host:   host,
		Path:   "/api/stats",
		Body:   map[string]any{},
	}, &stats)
	if err != nil {
		return fedi.Report{}, err
	}

	report := fedi.Report{Attributes: map[string]string{
		"users_count": strconv.FormatInt(stats.OriginalUsersCount, 10),
		"posts_count": strconv.FormatInt(stats.OriginalNotesCount, 10),
	}}

	if err := a.collectFederation(ctx, host, &report); err != nil {
		return report, err
	}
	a.sampleTopUsers(ctx, host, &report)
	return report, nil
}

func (a *misskeyAdapter) collectFederation(ctx context.Context, host string, report *fedi.Report) error {
	for offset := 0; ; offset += misskeyFederationPageSize {
		var page []misskeyInstance
		err := a.exec.JSON(ctx, fetch.Request{
			Method: http.MethodPost,
			Host:   host,
			Path:   "/api/federation/instances",
			Body: map[string]any{
				"limit":  misskeyFederationPageSize,
				"offset": offset,
				"sort":   "+users",
			},
		}, &page)
		if err != nil {
			if offset == 0 {
				return err
			}
			a.logger.Debug("federation page failed",
				zap.String("host", host), zap.Int("offset", offset), zap.Error(err))
			return nil
		}
		for _, inst := range page {
			// Only same-software entries; the coarse filter cuts the
			// false positives the reducer would drop anyway.
			if inst.SoftwareName != "misskey" {
				continue
			}
			if obs, ok := federationObservation(host, inst.Host); ok {
				report.Observations = append(report.Observations, obs)
			}
		}
		if len(page) < misskeyFederationPageSize {
			return nil
		}
	}
}

// sampleTopUsers never demotes the instance: the stats and federation
// data already justify a reachable result.
func (a *misskeyAdapter) sampleTopUsers(ctx context.Context, host string, report *fedi.Report) {
	users, err := a.topUsers(ctx, host)
	if err != nil {
		a.logger.Debug("user list failed", zap.String("host", host), zap.Error(err))
		return
	}
	for _, user := range users {
		if user.FollowersCount == 0 {
			continue
		}
		if err := a.collectFollowers(ctx, host, user, report); err != nil {
			a.logger.Debug("follower list failed",
				zap.String("host", host),
				zap.String("user", user.Username),
				zap.Error(err))
			return
		}
	}
}

func (a *misskeyAdapter) topUsers(ctx context.Context, host string) ([]misskeyUser, error) {
	var users []misskeyUser
	for offset := 0; len(users) < a.sampleSize; offset += misskeyUserPageSize {
		limit := a.sampleSize - len(users)
		if limit > misskeyUserPageSize {
			limit = misskeyUserPageSize
		}
		var page []misskeyUser
		err := a.exec.JSON(ctx, fetch.Request{
			Method: http.MethodPost,
			Host:   host,
			Path:   "/api/users",
			Body: map[string]any{
				"limit":  limit,
				"offset": offset,
				"origin": "local",
				"sort":   "+follower",
			},
		}, &page)
		if err != nil {
			return nil, err
		}
		users = append(users, page...)
		if len(page) < limit {
			break
		}
	}
	return users, nil
}

func (a *misskeyAdapter) collectFollowers(ctx context.Context, host string, user misskeyUser, report *fedi.Report) error {
	sinceID := "0"
	for {
		var page []struct {
			ID       string `json:"id"`
			Follower struct {
				Host *string `json:"host"`
			} `json:"follower"`
		}
		err := a.exec.JSON(ctx, fetch.Request{
			Method: http.MethodPost,
			Host:   host,
			Path:   "/api/users/followers",
			Body: map[string]any{
				"limit":   misskeyUserPageSize,
				"sinceId": sinceID,
				"userId":  user.ID,
				"host":    host,
			},
		}, &page)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, entry := range page {
			// A nil follower host means a local account.
			source := host
			if entry.Follower.Host != nil {
				source = fedi.NormalizeHost(*entry.Follower.Host)
			}
			if source == "" {
				continue
			}
			report.Observations = append(report.Observations, fedi.Observation{
				Source:     source,
				Target:     host,
				Kind:       fedi.EdgeFollow,
				Weight:     1,
				ObservedAt: now,
			})
		}
		if len(page) < misskeyUserPageSize {
			return nil
		}
		sinceID = page[len(page)-1].ID
	}
}
