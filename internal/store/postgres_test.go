package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skysink/skysink/internal/ingest"
	"github.com/skysink/skysink/pkg/skyerrors"
)

func TestBuildUpsertSingleRow(t *testing.T) {
	sql, args, err := BuildUpsert("likes",
		[]string{"uri"},
		[]string{"uri", "did", "subject_uri"},
		[][]interface{}{{"at://a/1", "did:plc:a", "at://b/2"}})
	require.NoError(t, err)

	assert.Equal(t,
		"INSERT INTO likes (uri, did, subject_uri) VALUES ($1, $2, $3)"+
			" ON CONFLICT (uri) DO UPDATE SET did = EXCLUDED.did, subject_uri = EXCLUDED.subject_uri",
		sql)
	assert.Equal(t, []interface{}{"at://a/1", "did:plc:a", "at://b/2"}, args)
}

func TestBuildUpsertMultiRowPlaceholders(t *testing.T) {
	sql, args, err := BuildUpsert("follows",
		[]string{"follower_did", "subject_did"},
		[]string{"follower_did", "subject_did", "created_at"},
		[][]interface{}{
			{"did:a", "did:b", "t1"},
			{"did:a", "did:c", "t2"},
		})
	require.NoError(t, err)

	assert.Contains(t, sql, "VALUES ($1, $2, $3), ($4, $5, $6)")
	assert.Contains(t, sql, "ON CONFLICT (follower_did, subject_did) DO UPDATE SET created_at = EXCLUDED.created_at")
	assert.Len(t, args, 6)
	assert.Equal(t, "did:c", args[4])
}

func TestBuildUpsertAllConflictColumnsDoNothing(t *testing.T) {
	sql, _, err := BuildUpsert("edges",
		[]string{"a", "b"},
		[]string{"a", "b"},
		[][]interface{}{{"x", "y"}})
	require.NoError(t, err)
	assert.Contains(t, sql, "ON CONFLICT (a, b) DO NOTHING")
	assert.NotContains(t, sql, "DO UPDATE")
}

func TestBuildUpsertRejectsMismatchedRow(t *testing.T) {
	_, _, err := BuildUpsert("likes",
		[]string{"uri"},
		[]string{"uri", "did"},
		[][]interface{}{{"only one value"}})
	require.Error(t, err)
	assert.True(t, skyerrors.IsPermanent(err), "malformed batches must not be retried")
}

func TestBuildUpsertRequiresConflictKey(t *testing.T) {
	_, _, err := BuildUpsert("likes", nil, []string{"uri"}, [][]interface{}{{"x"}})
	require.Error(t, err)
	assert.True(t, skyerrors.IsPermanent(err))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  skyerrors.ErrorType
		permanent bool
	}{
		{"nil passes through", nil, "", false},
		{"unique violation is permanent", &pgconn.PgError{Code: "23505"}, skyerrors.ErrorTypePermanent, true},
		{"invalid text representation is permanent", &pgconn.PgError{Code: "22P02"}, skyerrors.ErrorTypePermanent, true},
		{"undefined table is permanent", &pgconn.PgError{Code: "42P01"}, skyerrors.ErrorTypePermanent, true},
		{"connection failure is transient", &pgconn.PgError{Code: "08006"}, skyerrors.ErrorTypeTransient, false},
		{"deadlock is transient", &pgconn.PgError{Code: "40P01"}, skyerrors.ErrorTypeTransient, false},
		{"out of memory is transient", &pgconn.PgError{Code: "53200"}, skyerrors.ErrorTypeTransient, false},
		{"lock not available is transient", &pgconn.PgError{Code: "55P03"}, skyerrors.ErrorTypeTransient, false},
		{"query canceled is transient", &pgconn.PgError{Code: "57014"}, skyerrors.ErrorTypeTransient, false},
		{"context deadline is transient", context.DeadlineExceeded, skyerrors.ErrorTypeTransient, false},
		{"plain error is transient", errors.New("socket closed"), skyerrors.ErrorTypeTransient, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			require.Error(t, got)
			assert.Equal(t, tt.wantType, skyerrors.TypeOf(got))
			assert.Equal(t, tt.permanent, skyerrors.IsPermanent(got))
			assert.ErrorIs(t, got, tt.err, "the cause must stay unwrappable")
		})
	}
}

func TestClassifyErrorKeepsSQLState(t *testing.T) {
	got := ClassifyError(&pgconn.PgError{Code: "23505"})

	var sErr *skyerrors.Error
	require.ErrorAs(t, got, &sErr)
	assert.Equal(t, "23505", sErr.Details["sqlstate"])
}

func TestSchemaCoversEveryDestination(t *testing.T) {
	covered := func(table string) bool {
		for _, ddl := range schema {
			if strings.Contains(ddl, "CREATE TABLE IF NOT EXISTS "+table+" ") {
				return true
			}
		}
		return false
	}

	for _, kind := range ingest.Kinds() {
		spec, ok := ingest.SpecFor(kind)
		require.True(t, ok)
		assert.True(t, covered(spec.Destination), "no DDL for %s", spec.Destination)
	}
	assert.True(t, covered("dead_letters"))
}
