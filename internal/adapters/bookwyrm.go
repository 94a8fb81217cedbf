package adapters

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fedigraph/fedigraph/internal/fedi"
	"github.com/fedigraph/fedigraph/internal/fetch"
)

// bookwyrmAdapter reads the bookwyrm /api/v1/instance shape, which
// reports registration state directly, then the shared peers endpoint.
type bookwyrmAdapter struct {
	exec   *fetch.Executor
	logger *zap.Logger
}

func newBookwyrm(exec *fetch.Executor, logger *zap.Logger) *bookwyrmAdapter {
	return &bookwyrmAdapter{exec: exec, logger: logger}
}

func (a *bookwyrmAdapter) Software() fedi.Software { return fedi.SoftwareBookwyrm }

func (a *bookwyrmAdapter) Inspect(ctx context.Context, host string) (fedi.Report, error) {
	var info struct {
		Version       string `json:"version"`
		Registrations bool   `json:"registrations"`
		Description   string `json:"description"`
	}
	err := a.exec.JSON(ctx, fetch.Request{
		Method: http.MethodGet,
		Host:   host,
		Path:   "/api/v1/instance",
	}, &info)
	if err != nil {
		return fedi.Report{}, err
	}

	report := fedi.Report{Attributes: map[string]string{
		"version":              info.Version,
		"registration_enabled": strconv.FormatBool(info.Registrations),
	}}

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
