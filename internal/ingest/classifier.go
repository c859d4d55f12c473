package ingest

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skysink/skysink/pkg/metrics"
)

// Collection NSIDs understood by the classifier.
const (
	CollectionProfile     = "app.bsky.actor.profile"
	CollectionPost        = "app.bsky.feed.post"
	CollectionLike        = "app.bsky.feed.like"
	CollectionRepost      = "app.bsky.feed.repost"
	CollectionGenerator   = "app.bsky.feed.generator"
	CollectionThreadGate  = "app.bsky.feed.threadgate"
	CollectionFollow      = "app.bsky.graph.follow"
	CollectionBlock       = "app.bsky.graph.block"
	CollectionList        = "app.bsky.graph.list"
	CollectionListItem    = "app.bsky.graph.listitem"
	CollectionStarterPack = "app.bsky.graph.starterpack"
	CollectionLabeler     = "app.bsky.labeler.service"
)

// SupportedCollections returns every collection NSID the classifier routes.
func SupportedCollections() []string {
	return []string{
		CollectionProfile, CollectionPost, CollectionLike, CollectionRepost,
		CollectionGenerator, CollectionThreadGate, CollectionFollow,
		CollectionBlock, CollectionList, CollectionListItem,
		CollectionStarterPack, CollectionLabeler,
	}
}

// RawEvent is a single create event pushed by the producer: the repo owner,
// the collection NSID, the record key within the repo, and the decoded
// record body.
type RawEvent struct {
	DID        string
	Collection string
	RKey       string
	CID        string
	TimeUS     int64
	Body       map[string]interface{}
}

// URI returns the event's AT URI.
func (e RawEvent) URI() string {
	return "at://" + e.DID + "/" + e.Collection + "/" + e.RKey
}

// Time returns the event's firehose timestamp.
func (e RawEvent) Time() time.Time {
	if e.TimeUS == 0 {
		return time.Now().UTC()
	}
	return time.UnixMicro(e.TimeUS).UTC()
}

// Classifier maps raw events to normalized records. It never blocks on I/O
// and never returns an error: unrecognized collection types are ignored,
// and a malformed event drops only the offending record.
type Classifier struct {
	logger   *zap.Logger
	reporter *Reporter
}

// NewClassifier creates a classifier reporting drops to the given reporter.
func NewClassifier(reporter *Reporter, logger *zap.Logger) *Classifier {
	return &Classifier{
		logger:   logger.With(zap.String("component", "classifier")),
		reporter: reporter,
	}
}

// Classify converts an event into zero or more records. A post event fans
// out derived records (thread edge, mentions, hashtags, links, media, an
// activity sample) alongside the post itself. Unknown collections return
// nil without error.
func (c *Classifier) Classify(evt RawEvent) []Record {
	if evt.DID == "" || evt.RKey == "" {
		c.dropMalformed(evt, "missing did or rkey")
		return nil
	}

	indexedAt := time.Now().UTC()
	createdAt := parseTimeField(evt.Body, "createdAt", evt.Time())

	var records []Record
	collect := func(r Record, err error) {
		if err != nil {
			c.dropMalformed(evt, err.Error())
			return
		}
		records = append(records, r)
	}

	switch evt.Collection {
	case CollectionProfile:
		collect(NewUser(evt.DID,
			stringField(evt.Body, "handle"),
			stringField(evt.Body, "displayName"),
			stringField(evt.Body, "description"),
			createdAt, indexedAt))

	case CollectionPost:
		records = append(records, c.classifyPost(evt, createdAt, indexedAt)...)

	case CollectionLike:
		subjectURI, subjectCID := subjectRef(evt.Body)
		collect(NewLike(evt.URI(), evt.DID, subjectURI, subjectCID, createdAt, indexedAt))

	case CollectionRepost:
		subjectURI, subjectCID := subjectRef(evt.Body)
		collect(NewRepost(evt.URI(), evt.DID, subjectURI, subjectCID, createdAt, indexedAt))

	case CollectionFollow:
		collect(NewFollow(evt.DID, stringField(evt.Body, "subject"), createdAt, indexedAt))

	case CollectionBlock:
		collect(NewBlock(evt.DID, stringField(evt.Body, "subject"), createdAt, indexedAt))

	case CollectionList:
		collect(NewListRecord(evt.URI(), evt.DID,
			stringField(evt.Body, "name"),
			stringField(evt.Body, "purpose"),
			stringField(evt.Body, "description"),
			createdAt, indexedAt))

	case CollectionListItem:
		collect(NewListItem(evt.URI(),
			stringField(evt.Body, "list"),
			stringField(evt.Body, "subject"),
			createdAt, indexedAt))

	case CollectionGenerator:
		collect(NewFeedGenerator(evt.URI(), evt.DID,
			stringField(evt.Body, "displayName"),
			stringField(evt.Body, "description"),
			stringField(evt.Body, "did"),
			createdAt, indexedAt))

	case CollectionThreadGate:
		collect(NewThreadGate(
			stringField(evt.Body, "post"),
			evt.DID,
			joinAllowRules(evt.Body),
			createdAt, indexedAt))

	case CollectionStarterPack:
		collect(NewStarterPack(evt.URI(), evt.DID,
			stringField(evt.Body, "name"),
			stringField(evt.Body, "list"),
			createdAt, indexedAt))

	case CollectionLabeler:
		collect(NewLabeler(evt.DID, evt.URI(),
			stringField(mapField(evt.Body, "policies"), "description"),
			createdAt, indexedAt))

	default:
		// Unsupported collection types are silently ignored; this is a
		// routing decision, not a failure.
		metrics.EventsIgnored.Inc()
		return nil
	}

	if len(records) > 0 {
		collect(NewActivity(evt.DID, evt.Collection, evt.Time()))
	}
	return records
}

// classifyPost builds the post row plus its derived records.
func (c *Classifier) classifyPost(evt RawEvent, createdAt, indexedAt time.Time) []Record {
	uri := evt.URI()
	replyRoot, replyParent := replyRefs(evt.Body)

	var records []Record
	collect := func(r Record, err error) {
		if err != nil {
			c.dropMalformed(evt, err.Error())
			return
		}
		records = append(records, r)
	}

	collect(NewPost(uri, evt.DID, evt.CID,
		stringField(evt.Body, "text"), replyRoot, replyParent, createdAt, indexedAt))

	if replyParent != "" {
		collect(NewThreadEdge(uri, replyRoot, replyParent, indexedAt))
	}

	for _, facet := range sliceField(evt.Body, "facets") {
		for _, feature := range sliceField(asMap(facet), "features") {
			f := asMap(feature)
			switch stringField(f, "$type") {
			case "app.bsky.richtext.facet#mention":
				collect(NewMention(uri, stringField(f, "did"), indexedAt))
			case "app.bsky.richtext.facet#tag":
				collect(NewHashtag(uri, stringField(f, "tag"), indexedAt))
			case "app.bsky.richtext.facet#link":
				collect(NewLink(uri, stringField(f, "uri"), indexedAt))
			}
		}
	}

	embed := mapField(evt.Body, "embed")
	if stringField(embed, "$type") == "app.bsky.embed.images" {
		for _, image := range sliceField(embed, "images") {
			img := asMap(image)
			blob := mapField(img, "image")
			cid := stringField(mapField(blob, "ref"), "$link")
			if cid == "" {
				continue
			}
			collect(NewMedia(uri, cid, stringField(blob, "mimeType"), stringField(img, "alt"), indexedAt))
		}
	}

	return records
}

func (c *Classifier) dropMalformed(evt RawEvent, reason string) {
	c.reporter.IncMalformed()
	c.logger.Debug("dropping malformed record",
		zap.String("collection", evt.Collection),
		zap.String("did", evt.DID),
		zap.String("reason", reason))
}

// Field extraction helpers. Jetstream record bodies are loosely typed JSON;
// absent or mistyped fields read as zero values and are caught by the
// record constructors' validation.

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	return asMap(m[key])
}

func sliceField(m map[string]interface{}, key string) []interface{} {
	s, _ := m[key].([]interface{})
	return s
}

func parseTimeField(m map[string]interface{}, key string, fallback time.Time) time.Time {
	raw := stringField(m, key)
	if raw == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fallback
	}
	return t.UTC()
}

// subjectRef extracts a strong ref {uri, cid} subject.
func subjectRef(m map[string]interface{}) (uri, cid string) {
	subject := mapField(m, "subject")
	return stringField(subject, "uri"), stringField(subject, "cid")
}

// replyRefs extracts root and parent URIs from a post reply block.
func replyRefs(m map[string]interface{}) (root, parent string) {
	reply := mapField(m, "reply")
	if reply == nil {
		return "", ""
	}
	root = stringField(mapField(reply, "root"), "uri")
	parent = stringField(mapField(reply, "parent"), "uri")
	if root == "" {
		root = parent
	}
	return root, parent
}

// joinAllowRules flattens a thread gate's allow list into its rule types.
func joinAllowRules(m map[string]interface{}) string {
	var rules []string
	for _, rule := range sliceField(m, "allow") {
		if t := stringField(asMap(rule), "$type"); t != "" {
			rules = append(rules, t)
		}
	}
	return strings.Join(rules, ",")
}
