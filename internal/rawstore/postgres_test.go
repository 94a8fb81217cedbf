package rawstore

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/fedigraph/fedigraph/internal/fedi"
)

func TestPostgresStore_AppendInstanceInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO raw_instances").
		WithArgs("a.example", "peertube", "reachable", []byte(`{"totalUsers":"12"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.AppendInstance(context.Background(), fedi.Instance{
		Host:       "a.example",
		Software:   fedi.SoftwarePeertube,
		Status:     fedi.StatusReachable,
		Attributes: map[string]string{"totalUsers": "12"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendObservationInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock)
	require.NoError(t, err)

	ts := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO raw_observations").
		WithArgs("a.example", "b.example", "block", int64(1), ts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.AppendObservation(context.Background(), fedi.Observation{
		Source:     "a.example",
		Target:     "b.example",
		Kind:       fedi.EdgeBlock,
		Weight:     1,
		ObservedAt: ts,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadBack(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT host, software, status, attributes FROM raw_instances").
		WillReturnRows(pgxmock.NewRows([]string{"host", "software", "status", "attributes"}).
			AddRow("a.example", "lemmy", "reachable", []byte(`{"users":"5"}`)).
			AddRow("b.example", "lemmy", "unreachable", []byte(`{}`)))

	instances, err := store.Instances(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 2)
	require.Equal(t, "5", instances[0].Attributes["users"])
	require.Equal(t, fedi.StatusUnreachable, instances[1].Status)

	ts := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT source, target, kind, weight, observed_at FROM raw_observations").
		WillReturnRows(pgxmock.NewRows([]string{"source", "target", "kind", "weight", "observed_at"}).
			AddRow("a.example", "b.example", "federation", int64(1), ts))

	observations, err := store.Observations(context.Background())
	require.NoError(t, err)
	require.Len(t, observations, 1)
	require.Equal(t, fedi.EdgeFederation, observations[0].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}
