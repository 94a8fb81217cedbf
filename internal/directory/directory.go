// Package directory seeds crawl runs from the fediverse.observer index,
// which tracks instances per software family and their liveness.
package directory

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/fedigraph/fedigraph/internal/fedi"
	"github.com/fedigraph/fedigraph/internal/fetch"
)

// DefaultHost is the public fediverse.observer API endpoint.
const DefaultHost = "api.fediverse.observer"

// Observer queries the fediverse.observer GraphQL API for instances of a
// given software family that were up at last check.
type Observer struct {
	exec   *fetch.Executor
	host   string
	logger *zap.Logger
}

// NewObserver constructs a directory client. host falls back to
// DefaultHost when empty.
func NewObserver(exec *fetch.Executor, host string, logger *zap.Logger) *Observer {
	if host == "" {
		host = DefaultHost
	}
	return &Observer{exec: exec, host: host, logger: logger}
}

type graphqlRequest struct {
	Query string `json:"query"`
}

type nodesResponse struct {
	Data struct {
		Nodes []struct {
			Domain string `json:"domain"`
		} `json:"nodes"`
	} `json:"data"`
}

// Hosts returns seed hosts for software. Pleroma seeds include akkoma
// instances, which expose the same API surface under a different
// directory label.
func (o *Observer) Hosts(ctx context.Context, software fedi.Software) ([]string, error) {
	names := []string{string(software)}
	if software == fedi.SoftwarePleroma {
		names = append(names, "akkoma")
	}

	var hosts []string
	seen := make(map[string]struct{})
	for _, name := range names {
		domains, err := o.query(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("directory lookup %q: %w", name, err)
		}
		for _, domain := range domains {
			host := fedi.NormalizeHost(domain)
			if host == "" {
				continue
			}
			if _, dup := seen[host]; dup {
				continue
			}
			seen[host] = struct{}{}
			hosts = append(hosts, host)
		}
	}

	o.logger.Info("directory seeds resolved",
		zap.String("software", string(software)),
		zap.Int("hosts", len(hosts)))
	return hosts, nil
}

func (o *Observer) query(ctx context.Context, name string) ([]string, error) {
	req := fetch.Request{
		Method: http.MethodPost,
		Host:   o.host,
		Body: graphqlRequest{
			Query: fmt.Sprintf(`{nodes(softwarename:%q status:"UP"){domain}}`, name),
		},
	}
	var resp nodesResponse
	if err := o.exec.JSON(ctx, req, &resp); err != nil {
		return nil, err
	}
	domains := make([]string, 0, len(resp.Data.Nodes))
	for _, node := range resp.Data.Nodes {
		domains = append(domains, node.Domain)
	}
	return domains, nil
}
