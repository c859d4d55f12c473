// Package ingest implements the firehose ingestion pipeline: typed record
// classification, bounded per-kind queues, batched upserts with retry and
// circuit breaking, resource-based backpressure, and dead-lettering.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/skysink/skysink/pkg/skyerrors"
)

// Kind identifies an entity kind. Each kind has its own queue and
// destination table.
type Kind string

const (
	KindUser          Kind = "user"
	KindPost          Kind = "post"
	KindLike          Kind = "like"
	KindRepost        Kind = "repost"
	KindFollow        Kind = "follow"
	KindBlock         Kind = "block"
	KindList          Kind = "list"
	KindListItem      Kind = "list_item"
	KindThreadEdge    Kind = "thread_edge"
	KindMention       Kind = "mention"
	KindHashtag       Kind = "hashtag"
	KindLink          Kind = "link"
	KindMedia         Kind = "media"
	KindActivity      Kind = "activity"
	KindFeedGenerator Kind = "feed_generator"
	KindThreadGate    Kind = "thread_gate"
	KindStarterPack   Kind = "starter_pack"
	KindLabeler       Kind = "labeler"
)

// allKinds is the stable iteration order for queues and flushes.
var allKinds = []Kind{
	KindUser, KindPost, KindLike, KindRepost, KindFollow, KindBlock,
	KindList, KindListItem, KindThreadEdge, KindMention, KindHashtag,
	KindLink, KindMedia, KindActivity, KindFeedGenerator, KindThreadGate,
	KindStarterPack, KindLabeler,
}

// Kinds returns every known entity kind in stable order.
func Kinds() []Kind {
	kinds := make([]Kind, len(allKinds))
	copy(kinds, allKinds)
	return kinds
}

// TableSpec describes a kind's destination table: the table name, the
// conflict (dedup) key columns, and the full column list in row order.
type TableSpec struct {
	Destination     string
	ConflictColumns []string
	Columns         []string
}

var tableSpecs = map[Kind]TableSpec{
	KindUser: {
		Destination:     "users",
		ConflictColumns: []string{"did"},
		Columns:         []string{"did", "handle", "display_name", "description", "created_at", "indexed_at"},
	},
	KindPost: {
		Destination:     "posts",
		ConflictColumns: []string{"uri"},
		Columns:         []string{"uri", "did", "cid", "text", "reply_root", "reply_parent", "created_at", "indexed_at"},
	},
	KindLike: {
		Destination:     "likes",
		ConflictColumns: []string{"uri"},
		Columns:         []string{"uri", "did", "subject_uri", "subject_cid", "created_at", "indexed_at"},
	},
	KindRepost: {
		Destination:     "reposts",
		ConflictColumns: []string{"uri"},
		Columns:         []string{"uri", "did", "subject_uri", "subject_cid", "created_at", "indexed_at"},
	},
	KindFollow: {
		Destination:     "follows",
		ConflictColumns: []string{"follower_did", "subject_did"},
		Columns:         []string{"follower_did", "subject_did", "created_at", "indexed_at"},
	},
	KindBlock: {
		Destination:     "blocks",
		ConflictColumns: []string{"blocker_did", "subject_did"},
		Columns:         []string{"blocker_did", "subject_did", "created_at", "indexed_at"},
	},
	KindList: {
		Destination:     "lists",
		ConflictColumns: []string{"uri"},
		Columns:         []string{"uri", "did", "name", "purpose", "description", "created_at", "indexed_at"},
	},
	KindListItem: {
		Destination:     "list_items",
		ConflictColumns: []string{"uri"},
		Columns:         []string{"uri", "list_uri", "subject_did", "created_at", "indexed_at"},
	},
	KindThreadEdge: {
		Destination:     "thread_edges",
		ConflictColumns: []string{"post_uri"},
		Columns:         []string{"post_uri", "root_uri", "parent_uri", "indexed_at"},
	},
	KindMention: {
		Destination:     "mentions",
		ConflictColumns: []string{"post_uri", "subject_did"},
		Columns:         []string{"post_uri", "subject_did", "indexed_at"},
	},
	KindHashtag: {
		Destination:     "hashtags",
		ConflictColumns: []string{"post_uri", "tag"},
		Columns:         []string{"post_uri", "tag", "indexed_at"},
	},
	KindLink: {
		Destination:     "links",
		ConflictColumns: []string{"post_uri", "url"},
		Columns:         []string{"post_uri", "url", "indexed_at"},
	},
	KindMedia: {
		Destination:     "media_attachments",
		ConflictColumns: []string{"post_uri", "cid"},
		Columns:         []string{"post_uri", "cid", "mime_type", "alt", "indexed_at"},
	},
	KindActivity: {
		Destination:     "activity_samples",
		ConflictColumns: []string{"did", "bucket_start"},
		Columns:         []string{"did", "bucket_start", "last_collection", "last_seen"},
	},
	KindFeedGenerator: {
		Destination:     "feed_generators",
		ConflictColumns: []string{"uri"},
		Columns:         []string{"uri", "did", "display_name", "description", "feed_did", "created_at", "indexed_at"},
	},
	KindThreadGate: {
		Destination:     "thread_gates",
		ConflictColumns: []string{"post_uri"},
		Columns:         []string{"post_uri", "owner_did", "allow_rules", "created_at", "indexed_at"},
	},
	KindStarterPack: {
		Destination:     "starter_packs",
		ConflictColumns: []string{"uri"},
		Columns:         []string{"uri", "did", "name", "list_uri", "created_at", "indexed_at"},
	},
	KindLabeler: {
		Destination:     "labeler_services",
		ConflictColumns: []string{"did"},
		Columns:         []string{"did", "uri", "policies", "created_at", "indexed_at"},
	},
}

// SpecFor returns the table spec for a kind.
func SpecFor(kind Kind) (TableSpec, bool) {
	spec, ok := tableSpecs[kind]
	return spec, ok
}

// Record is a normalized, typed event ready for upsert. Key is the natural
// identity used for queue dedup and as the store conflict key; Values are
// aligned with the kind's TableSpec columns.
type Record struct {
	Kind   Kind
	Key    string
	Values []interface{}
}

// Destination returns the record's destination table name.
func (r Record) Destination() string {
	return tableSpecs[r.Kind].Destination
}

// dedupKey joins the natural-identity parts of a composite key.
func dedupKey(parts ...string) string {
	return strings.Join(parts, "|")
}

func newRecord(kind Kind, key string, values ...interface{}) (Record, error) {
	spec := tableSpecs[kind]
	if len(values) != len(spec.Columns) {
		return Record{}, skyerrors.Newf(skyerrors.ErrorTypeValidation,
			"%s record has %d values, want %d", kind, len(values), len(spec.Columns))
	}
	return Record{Kind: kind, Key: key, Values: values}, nil
}

func requireFields(kind Kind, fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			return skyerrors.Newf(skyerrors.ErrorTypeValidation, "%s record missing %s", kind, name)
		}
	}
	return nil
}

// NewUser builds a user profile record keyed by DID.
func NewUser(did, handle, displayName, description string, createdAt, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindUser, map[string]string{"did": did}); err != nil {
		return Record{}, err
	}
	return newRecord(KindUser, did, did, handle, displayName, description, createdAt, indexedAt)
}

// NewPost builds a post record keyed by its AT URI.
func NewPost(uri, did, cid, text, replyRoot, replyParent string, createdAt, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindPost, map[string]string{"uri": uri, "did": did}); err != nil {
		return Record{}, err
	}
	return newRecord(KindPost, uri, uri, did, cid, text, replyRoot, replyParent, createdAt, indexedAt)
}

// NewLike builds a like record keyed by its AT URI.
func NewLike(uri, did, subjectURI, subjectCID string, createdAt, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindLike, map[string]string{"uri": uri, "did": did, "subject_uri": subjectURI}); err != nil {
		return Record{}, err
	}
	return newRecord(KindLike, uri, uri, did, subjectURI, subjectCID, createdAt, indexedAt)
}

// NewRepost builds a repost record keyed by its AT URI.
func NewRepost(uri, did, subjectURI, subjectCID string, createdAt, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindRepost, map[string]string{"uri": uri, "did": did, "subject_uri": subjectURI}); err != nil {
		return Record{}, err
	}
	return newRecord(KindRepost, uri, uri, did, subjectURI, subjectCID, createdAt, indexedAt)
}

// NewFollow builds a follow edge keyed by (follower, subject).
func NewFollow(followerDID, subjectDID string, createdAt, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindFollow, map[string]string{"follower_did": followerDID, "subject_did": subjectDID}); err != nil {
		return Record{}, err
	}
	return newRecord(KindFollow, dedupKey(followerDID, subjectDID), followerDID, subjectDID, createdAt, indexedAt)
}

// NewBlock builds a block edge keyed by (blocker, subject).
func NewBlock(blockerDID, subjectDID string, createdAt, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindBlock, map[string]string{"blocker_did": blockerDID, "subject_did": subjectDID}); err != nil {
		return Record{}, err
	}
	return newRecord(KindBlock, dedupKey(blockerDID, subjectDID), blockerDID, subjectDID, createdAt, indexedAt)
}

// NewListRecord builds a list record keyed by its AT URI.
func NewListRecord(uri, did, name, purpose, description string, createdAt, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindList, map[string]string{"uri": uri, "did": did}); err != nil {
		return Record{}, err
	}
	return newRecord(KindList, uri, uri, did, name, purpose, description, createdAt, indexedAt)
}

// NewListItem builds a list membership record keyed by its AT URI.
func NewListItem(uri, listURI, subjectDID string, createdAt, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindListItem, map[string]string{"uri": uri, "list_uri": listURI, "subject_did": subjectDID}); err != nil {
		return Record{}, err
	}
	return newRecord(KindListItem, uri, uri, listURI, subjectDID, createdAt, indexedAt)
}

// NewThreadEdge builds a reply-thread edge keyed by the replying post.
func NewThreadEdge(postURI, rootURI, parentURI string, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindThreadEdge, map[string]string{"post_uri": postURI, "parent_uri": parentURI}); err != nil {
		return Record{}, err
	}
	return newRecord(KindThreadEdge, postURI, postURI, rootURI, parentURI, indexedAt)
}

// NewMention builds a mention record keyed by (post, subject).
func NewMention(postURI, subjectDID string, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindMention, map[string]string{"post_uri": postURI, "subject_did": subjectDID}); err != nil {
		return Record{}, err
	}
	return newRecord(KindMention, dedupKey(postURI, subjectDID), postURI, subjectDID, indexedAt)
}

// NewHashtag builds a hashtag record keyed by (post, tag).
func NewHashtag(postURI, tag string, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindHashtag, map[string]string{"post_uri": postURI, "tag": tag}); err != nil {
		return Record{}, err
	}
	return newRecord(KindHashtag, dedupKey(postURI, tag), postURI, tag, indexedAt)
}

// NewLink builds an outbound-link record keyed by (post, url).
func NewLink(postURI, url string, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindLink, map[string]string{"post_uri": postURI, "url": url}); err != nil {
		return Record{}, err
	}
	return newRecord(KindLink, dedupKey(postURI, url), postURI, url, indexedAt)
}

// NewMedia builds a media attachment record keyed by (post, cid).
func NewMedia(postURI, cid, mimeType, alt string, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindMedia, map[string]string{"post_uri": postURI, "cid": cid}); err != nil {
		return Record{}, err
	}
	return newRecord(KindMedia, dedupKey(postURI, cid), postURI, cid, mimeType, alt, indexedAt)
}

// NewActivity builds an hourly activity sample keyed by (did, bucket).
func NewActivity(did, collection string, seenAt time.Time) (Record, error) {
	if err := requireFields(KindActivity, map[string]string{"did": did}); err != nil {
		return Record{}, err
	}
	bucket := seenAt.UTC().Truncate(time.Hour)
	key := dedupKey(did, bucket.Format(time.RFC3339))
	return newRecord(KindActivity, key, did, bucket, collection, seenAt.UTC())
}

// NewFeedGenerator builds a feed generator record keyed by its AT URI.
func NewFeedGenerator(uri, did, displayName, description, feedDID string, createdAt, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindFeedGenerator, map[string]string{"uri": uri, "did": did}); err != nil {
		return Record{}, err
	}
	return newRecord(KindFeedGenerator, uri, uri, did, displayName, description, feedDID, createdAt, indexedAt)
}

// NewThreadGate builds a thread gate record keyed by the gated post.
func NewThreadGate(postURI, ownerDID, allowRules string, createdAt, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindThreadGate, map[string]string{"post_uri": postURI, "owner_did": ownerDID}); err != nil {
		return Record{}, err
	}
	return newRecord(KindThreadGate, postURI, postURI, ownerDID, allowRules, createdAt, indexedAt)
}

// NewStarterPack builds a starter pack record keyed by its AT URI.
func NewStarterPack(uri, did, name, listURI string, createdAt, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindStarterPack, map[string]string{"uri": uri, "did": did}); err != nil {
		return Record{}, err
	}
	return newRecord(KindStarterPack, uri, uri, did, name, listURI, createdAt, indexedAt)
}

// NewLabeler builds a labeler service record keyed by DID.
func NewLabeler(did, uri, policies string, createdAt, indexedAt time.Time) (Record, error) {
	if err := requireFields(KindLabeler, map[string]string{"did": did, "uri": uri}); err != nil {
		return Record{}, err
	}
	return newRecord(KindLabeler, did, did, uri, policies, createdAt, indexedAt)
}

// RowMap returns the record's column-value pairs, used by the dead-letter
// sink to serialize payloads.
func (r Record) RowMap() map[string]interface{} {
	spec := tableSpecs[r.Kind]
	m := make(map[string]interface{}, len(spec.Columns))
	for i, col := range spec.Columns {
		if i < len(r.Values) {
			m[col] = r.Values[i]
		}
	}
	return m
}

// String implements fmt.Stringer for log output.
func (r Record) String() string {
	return fmt.Sprintf("%s(%s)", r.Kind, r.Key)
}
