package store

import (
	"context"

	"github.com/skysink/skysink/pkg/skyerrors"
)

// schema creates every destination table plus the dead-letter table.
// Conflict keys map to primary keys so ON CONFLICT targets are indexed.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		did TEXT PRIMARY KEY,
		handle TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		uri TEXT PRIMARY KEY,
		did TEXT NOT NULL,
		cid TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		reply_root TEXT NOT NULL DEFAULT '',
		reply_parent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS likes (
		uri TEXT PRIMARY KEY,
		did TEXT NOT NULL,
		subject_uri TEXT NOT NULL,
		subject_cid TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reposts (
		uri TEXT PRIMARY KEY,
		did TEXT NOT NULL,
		subject_uri TEXT NOT NULL,
		subject_cid TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS follows (
		follower_did TEXT NOT NULL,
		subject_did TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (follower_did, subject_did)
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		blocker_did TEXT NOT NULL,
		subject_did TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (blocker_did, subject_did)
	)`,
	`CREATE TABLE IF NOT EXISTS lists (
		uri TEXT PRIMARY KEY,
		did TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		purpose TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS list_items (
		uri TEXT PRIMARY KEY,
		list_uri TEXT NOT NULL,
		subject_did TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS thread_edges (
		post_uri TEXT PRIMARY KEY,
		root_uri TEXT NOT NULL DEFAULT '',
		parent_uri TEXT NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mentions (
		post_uri TEXT NOT NULL,
		subject_did TEXT NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (post_uri, subject_did)
	)`,
	`CREATE TABLE IF NOT EXISTS hashtags (
		post_uri TEXT NOT NULL,
		tag TEXT NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (post_uri, tag)
	)`,
	`CREATE TABLE IF NOT EXISTS links (
		post_uri TEXT NOT NULL,
		url TEXT NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (post_uri, url)
	)`,
	`CREATE TABLE IF NOT EXISTS media_attachments (
		post_uri TEXT NOT NULL,
		cid TEXT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		alt TEXT NOT NULL DEFAULT '',
		indexed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (post_uri, cid)
	)`,
	`CREATE TABLE IF NOT EXISTS activity_samples (
		did TEXT NOT NULL,
		bucket_start TIMESTAMPTZ NOT NULL,
		last_collection TEXT NOT NULL DEFAULT '',
		last_seen TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (did, bucket_start)
	)`,
	`CREATE TABLE IF NOT EXISTS feed_generators (
		uri TEXT PRIMARY KEY,
		did TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		feed_did TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS thread_gates (
		post_uri TEXT PRIMARY KEY,
		owner_did TEXT NOT NULL,
		allow_rules TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS starter_packs (
		uri TEXT PRIMARY KEY,
		did TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		list_uri TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS labeler_services (
		did TEXT PRIMARY KEY,
		uri TEXT NOT NULL,
		policies TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		indexed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id BIGSERIAL PRIMARY KEY,
		destination TEXT NOT NULL,
		payload JSONB NOT NULL,
		error TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates all destination tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := p.pool.Exec(ctx, ddl); err != nil {
			return skyerrors.Wrap(err, skyerrors.ErrorTypeConfig, "failed to create schema")
		}
	}
	p.logger.Info("schema verified")
	return nil
}
