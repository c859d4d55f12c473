package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skysink/skysink/pkg/skyerrors"
)

func TestTableSpecsAreConsistent(t *testing.T) {
	for _, kind := range Kinds() {
		spec, ok := SpecFor(kind)
		require.True(t, ok, "kind %s has no table spec", kind)
		assert.NotEmpty(t, spec.Destination)
		assert.NotEmpty(t, spec.ConflictColumns)

		columns := make(map[string]bool, len(spec.Columns))
		for _, col := range spec.Columns {
			assert.False(t, columns[col], "%s: duplicate column %s", kind, col)
			columns[col] = true
		}
		for _, col := range spec.ConflictColumns {
			assert.True(t, columns[col], "%s: conflict column %s not in column list", kind, col)
		}
	}
}

func TestDestinationsAreUnique(t *testing.T) {
	seen := make(map[string]Kind)
	for _, kind := range Kinds() {
		spec, _ := SpecFor(kind)
		other, dup := seen[spec.Destination]
		assert.False(t, dup, "kinds %s and %s share destination %s", kind, other, spec.Destination)
		seen[spec.Destination] = kind
	}
}

func TestConstructorsRejectMissingIdentity(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name string
		err  error
	}{
		{"user without did", errOf(NewUser("", "alice", "", "", now, now))},
		{"post without uri", errOf(NewPost("", "did:plc:a", "", "", "", "", now, now))},
		{"like without subject", errOf(NewLike("at://a/1", "did:plc:a", "", "", now, now))},
		{"follow without subject", errOf(NewFollow("did:plc:a", "", now, now))},
		{"mention without did", errOf(NewMention("at://a/1", "", now))},
		{"hashtag without tag", errOf(NewHashtag("at://a/1", "", now))},
		{"thread edge without parent", errOf(NewThreadEdge("at://a/1", "", "", now))},
		{"labeler without uri", errOf(NewLabeler("did:plc:a", "", "", now, now))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.Equal(t, skyerrors.ErrorTypeValidation, skyerrors.TypeOf(tt.err))
		})
	}
}

func errOf(_ Record, err error) error { return err }

func TestRecordValuesMatchColumns(t *testing.T) {
	now := time.Now().UTC()
	r, err := NewPost("at://a/1", "did:plc:a", "cid", "hello", "", "", now, now)
	require.NoError(t, err)

	spec, _ := SpecFor(KindPost)
	assert.Len(t, r.Values, len(spec.Columns))
	assert.Equal(t, "posts", r.Destination())
}

func TestCompositeKeysAreStable(t *testing.T) {
	now := time.Now().UTC()

	a, err := NewFollow("did:plc:alice", "did:plc:bob", now, now)
	require.NoError(t, err)
	b, err := NewFollow("did:plc:alice", "did:plc:bob", now.Add(time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, a.Key, b.Key, "same identity must produce the same dedup key")

	reversed, err := NewFollow("did:plc:bob", "did:plc:alice", now, now)
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, reversed.Key, "direction is part of the identity")
}

func TestActivityBucketsCollapseWithinHour(t *testing.T) {
	base := time.Date(2026, 8, 29, 10, 5, 0, 0, time.UTC)

	a, err := NewActivity("did:plc:alice", CollectionPost, base)
	require.NoError(t, err)
	b, err := NewActivity("did:plc:alice", CollectionLike, base.Add(40*time.Minute))
	require.NoError(t, err)
	c, err := NewActivity("did:plc:alice", CollectionLike, base.Add(2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, a.Key, b.Key, "samples within one hour share a bucket")
	assert.NotEqual(t, a.Key, c.Key, "a later hour is a new bucket")
}

func TestRowMap(t *testing.T) {
	now := time.Now().UTC()
	r, err := NewLike("at://a/1", "did:plc:a", "at://b/2", "cid", now, now)
	require.NoError(t, err)

	m := r.RowMap()
	assert.Equal(t, "at://a/1", m["uri"])
	assert.Equal(t, "did:plc:a", m["did"])
	assert.Equal(t, "at://b/2", m["subject_uri"])
	assert.Equal(t, now, m["created_at"])
}
