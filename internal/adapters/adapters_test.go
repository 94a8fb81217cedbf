package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fedigraph/fedigraph/internal/fedi"
	"github.com/fedigraph/fedigraph/internal/fetch"
	"github.com/fedigraph/fedigraph/internal/ratelimit"
)

// newTestExecutor serves mux over plain HTTP and returns an executor
// pointed at it plus the host the adapter should inspect.
func newTestExecutor(t *testing.T, mux *http.ServeMux) (*fetch.Executor, string) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	gate := ratelimit.New(ratelimit.Config{RPS: 1000, Burst: 100})
	return fetch.NewExecutor(gate, fetch.Config{Scheme: "http"}, zap.NewNop()), u.Host
}

func observationTargets(obs []fedi.Observation, kind fedi.EdgeKind) []string {
	var targets []string
	for _, o := range obs {
		if o.Kind == kind {
			targets = append(targets, o.Target)
		}
	}
	return targets
}

func TestMastodonAdapter(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/instance", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"version": "4.2.1",
			"languages": ["en", "de"],
			"usage": {"users": {"active_month": 1200}}
		}`)
	})
	var serverHost string
	mux.HandleFunc("/api/v1/instance/peers", func(w http.ResponseWriter, r *http.Request) {
		peers := []string{"Peer-One.example", "peer-two.example", serverHost}
		require.NoError(t, json.NewEncoder(w).Encode(peers))
	})
	exec, host := newTestExecutor(t, mux)
	serverHost = host

	a := newMastodon(fedi.SoftwareMastodon, "/api/v2/instance", exec, zap.NewNop())
	require.Equal(t, fedi.SoftwareMastodon, a.Software())

	report, err := a.Inspect(context.Background(), host)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"version":      "4.2.1",
		"languages":    "en/de",
		"active_users": "1200",
	}, report.Attributes)

	// Peers normalized to lowercase; the instance itself is dropped.
	require.Equal(t,
		[]string{"peer-one.example", "peer-two.example"},
		observationTargets(report.Observations, fedi.EdgeFederation))
	for _, obs := range report.Observations {
		require.Equal(t, host, obs.Source)
		require.EqualValues(t, 1, obs.Weight)
		require.False(t, obs.ObservedAt.IsZero())
	}
}

func TestMastodonAdapter_InfoFailure(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/instance", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	exec, host := newTestExecutor(t, mux)

	a := newMastodon(fedi.SoftwareMastodon, "/api/v2/instance", exec, zap.NewNop())
	report, err := a.Inspect(context.Background(), host)
	require.Error(t, err)
	require.Equal(t, fetch.OutcomeHTTPError, fetch.KindOf(err))
	require.Empty(t, report.Attributes)
}

func TestMastodonAdapter_PeersFailureKeepsAttributes(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/instance", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version": "2.7.2", "stats": {"user_count": 50, "status_count": 900, "domain_count": 12}}`)
	})
	mux.HandleFunc("/api/v1/instance/peers", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})
	exec, host := newTestExecutor(t, mux)

	a := newMastodon(fedi.SoftwarePleroma, "/api/v1/instance", exec, zap.NewNop())
	report, err := a.Inspect(context.Background(), host)
	require.Error(t, err)
	require.Equal(t, "2.7.2", report.Attributes["version"])
	require.Equal(t, "50", report.Attributes["user_count"])
	require.Equal(t, "900", report.Attributes["status_count"])
	require.Equal(t, "12", report.Attributes["domain_count"])
}

func TestBookwyrmAdapter(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/instance", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version": "0.7.3", "registrations": true, "description": "books"}`)
	})
	mux.HandleFunc("/api/v1/instance/peers", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `["shelf.example"]`)
	})
	exec, host := newTestExecutor(t, mux)

	a := newBookwyrm(exec, zap.NewNop())
	require.Equal(t, fedi.SoftwareBookwyrm, a.Software())

	report, err := a.Inspect(context.Background(), host)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"version":              "0.7.3",
		"registration_enabled": "true",
	}, report.Attributes)
	require.Equal(t, []string{"shelf.example"},
		observationTargets(report.Observations, fedi.EdgeFederation))
}

func TestPeertubeAdapter_Pagination(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/server/stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"totalUsers": 42, "totalMonthlyActiveUsers": 7, "totalLocalVideos": 100, "totalVideos": 900, "totalVideoComments": 30}`)
	})
	mux.HandleFunc("/api/v1/config", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"serverVersion": "6.0.2"}`)
	})
	mux.HandleFunc("/api/v1/server/following", func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("start")
		require.Equal(t, "100", r.URL.Query().Get("count"))
		var entries []string
		switch start {
		case "0":
			for i := 0; i < 100; i++ {
				entries = append(entries, fmt.Sprintf("tube%03d.example", i))
			}
		case "100":
			entries = []string{"last.example"}
		default:
			t.Errorf("unexpected start %q", start)
		}
		data := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			data = append(data, map[string]any{"following": map[string]any{"host": e}})
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"total": 101,
			"data":  data,
		}))
	})
	exec, host := newTestExecutor(t, mux)

	a := newPeertube(exec, zap.NewNop())
	report, err := a.Inspect(context.Background(), host)
	require.NoError(t, err)
	require.Equal(t, "6.0.2", report.Attributes["version"])
	require.Equal(t, "42", report.Attributes["total_users"])
	require.Len(t, report.Observations, 101)
}

func TestPeertubeAdapter_LaterPageFailureIsPartial(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/server/stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"totalUsers": 1}`)
	})
	mux.HandleFunc("/api/v1/config", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"serverVersion": "6.0.2"}`)
	})
	mux.HandleFunc("/api/v1/server/following", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start") != "0" {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		data := make([]map[string]any, 0, 100)
		for i := 0; i < 100; i++ {
			data = append(data, map[string]any{
				"following": map[string]any{"host": fmt.Sprintf("tube%03d.example", i)},
			})
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"total": 250, "data": data}))
	})
	exec, host := newTestExecutor(t, mux)

	a := newPeertube(exec, zap.NewNop())
	report, err := a.Inspect(context.Background(), host)
	require.NoError(t, err)
	require.Len(t, report.Observations, 100)
}

func TestLemmyAdapter_OldAPIEmbedsStringLists(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/site", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"version": "0.17.4",
			"site_view": {"counts": {"users": 10, "posts": 20, "comments": 30, "communities": 4}},
			"federated_instances": {"linked": ["linked.example"], "blocked": ["blocked.example"]}
		}`)
	})
	exec, host := newTestExecutor(t, mux)

	a := newLemmy(exec, 10, zap.NewNop())
	require.Equal(t, fedi.SoftwareLemmy, a.Software())

	report, err := a.Inspect(context.Background(), host)
	require.NoError(t, err)
	require.Equal(t, "0.17.4", report.Attributes["version"])
	require.Equal(t, "10", report.Attributes["users"])
	require.Equal(t, []string{"linked.example"},
		observationTargets(report.Observations, fedi.EdgeFederation))
	require.Equal(t, []string{"blocked.example"},
		observationTargets(report.Observations, fedi.EdgeBlock))
}

func TestLemmyAdapter_NewAPIFiltersSoftware(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/site", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"version": "0.19.3",
			"site_view": {
				"counts": {"users": 10, "posts": 0, "comments": 0, "communities": 0},
				"local_site": {"federation_enabled": true}
			}
		}`)
	})
	mux.HandleFunc("/api/v3/federated_instances", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"federated_instances": {
			"linked": [
				{"domain": "lemmy.example", "software": "lemmy"},
				{"domain": "masto.example", "software": "mastodon"}
			],
			"blocked": [{"domain": "bad.example", "software": "lemmy"}]
		}}`)
	})
	exec, host := newTestExecutor(t, mux)

	a := newLemmy(exec, 10, zap.NewNop())
	report, err := a.Inspect(context.Background(), host)
	require.NoError(t, err)
	require.Equal(t, []string{"lemmy.example"},
		observationTargets(report.Observations, fedi.EdgeFederation))
	require.Equal(t, []string{"bad.example"},
		observationTargets(report.Observations, fedi.EdgeBlock))
}

func TestLemmyAdapter_FederationDisabled(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/site", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"version": "0.19.3",
			"site_view": {
				"counts": {"users": 10, "posts": 0, "comments": 0, "communities": 0},
				"local_site": {"federation_enabled": false}
			}
		}`)
	})
	exec, host := newTestExecutor(t, mux)

	a := newLemmy(exec, 10, zap.NewNop())
	report, err := a.Inspect(context.Background(), host)
	require.ErrorIs(t, err, errFederationDisabled)
	require.Equal(t, "0.19.3", report.Attributes["version"])
	require.Empty(t, report.Observations)
}

func TestLemmyAdapter_CommunitySampling(t *testing.T) {
	t.Parallel()

	var serverHost string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/site", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"version": "0.17.4",
			"site_view": {"counts": {"users": 10, "posts": 20, "comments": 30, "communities": 1}},
			"federated_instances": {"linked": [], "blocked": []}
		}`)
	})
	mux.HandleFunc("/api/v3/community/list", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Local", r.URL.Query().Get("type_"))
		require.Equal(t, "TopMonth", r.URL.Query().Get("sort"))
		fmt.Fprint(w, `{"communities": [{"community": {"name": "gardening"}}]}`)
	})
	mux.HandleFunc("/api/v3/post/list", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gardening", r.URL.Query().Get("community_name"))
		fmt.Fprintf(w, `{"posts": [
			{"creator": {"actor_id": "http://%s/u/alice"}},
			{"creator": {"actor_id": "https://other.example/u/bob"}}
		]}`, serverHost)
	})
	exec, host := newTestExecutor(t, mux)
	serverHost = host

	a := newLemmy(exec, 10, zap.NewNop())
	report, err := a.Inspect(context.Background(), host)
	require.NoError(t, err)

	var intra, inter int
	for _, obs := range report.Observations {
		switch obs.Kind {
		case fedi.EdgeCommunityIntra:
			intra++
			require.Equal(t, host, obs.Source)
		case fedi.EdgeCommunityInter:
			inter++
			require.Equal(t, "other.example", obs.Source)
		}
		require.Equal(t, host, obs.Target)
	}
	require.Equal(t, 1, intra)
	require.Equal(t, 1, inter)
}

func TestMisskeyAdapter(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		fmt.Fprint(w, `{"originalUsersCount": 300, "originalNotesCount": 9000}`)
	})
	mux.HandleFunc("/api/federation/instances", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Limit  int    `json:"limit"`
			Offset int    `json:"offset"`
			Sort   string `json:"sort"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, 30, body.Limit)
		require.Equal(t, "+users", body.Sort)
		if body.Offset == 0 {
			out := make([]map[string]any, 0, 30)
			for i := 0; i < 29; i++ {
				out = append(out, map[string]any{
					"host":         fmt.Sprintf("mi%02d.example", i),
					"softwareName": "misskey",
				})
			}
			out = append(out, map[string]any{"host": "masto.example", "softwareName": "mastodon"})
			require.NoError(t, json.NewEncoder(w).Encode(out))
			return
		}
		fmt.Fprint(w, `[{"host": "tail.example", "softwareName": "misskey"}]`)
	})
	mux.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Origin string `json:"origin"`
			Sort   string `json:"sort"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "local", body.Origin)
		require.Equal(t, "+follower", body.Sort)
		fmt.Fprint(w, `[
			{"id": "u1", "username": "alice", "followersCount": 2},
			{"id": "u2", "username": "bob", "followersCount": 0}
		]`)
	})
	mux.HandleFunc("/api/users/followers", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"userId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "u1", body.UserID)
		fmt.Fprint(w, `[
			{"id": "f1", "follower": {"host": "remote.example"}},
			{"id": "f2", "follower": {"host": null}}
		]`)
	})
	exec, host := newTestExecutor(t, mux)

	a := newMisskey(exec, 10, zap.NewNop())
	require.Equal(t, fedi.SoftwareMisskey, a.Software())

	report, err := a.Inspect(context.Background(), host)
	require.NoError(t, err)
	require.Equal(t, "300", report.Attributes["users_count"])
	require.Equal(t, "9000", report.Attributes["posts_count"])

	federation := observationTargets(report.Observations, fedi.EdgeFederation)
	require.Len(t, federation, 30)
	require.Contains(t, federation, "tail.example")
	require.NotContains(t, federation, "masto.example")

	var followSources []string
	for _, obs := range report.Observations {
		if obs.Kind == fedi.EdgeFollow {
			followSources = append(followSources, obs.Source)
			require.Equal(t, host, obs.Target)
		}
	}
	// Local followers count toward an intra-instance follow edge.
	require.ElementsMatch(t, []string{"remote.example", host}, followSources)
}

func TestFor_CoversAllSoftware(t *testing.T) {
	t.Parallel()

	gate := ratelimit.New(ratelimit.Config{RPS: 1000, Burst: 100})
	exec := fetch.NewExecutor(gate, fetch.Config{}, zap.NewNop())

	adapters, err := All(exec, Config{}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, adapters, len(fedi.AllSoftware()))
	seen := make(map[fedi.Software]bool)
	for _, a := range adapters {
		seen[a.Software()] = true
	}
	require.Len(t, seen, len(fedi.AllSoftware()))

	_, err = For(fedi.Software("gotosocial"), exec, Config{}, zap.NewNop())
	require.Error(t, err)
}
