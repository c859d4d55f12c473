// Package jetstream consumes the Bluesky Jetstream firehose over a
// websocket and feeds commit events into the ingestion pipeline. The
// client reconnects with exponential backoff and only subscribes to the
// collections the pipeline understands.
package jetstream

import (
	"context"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skysink/skysink/internal/ingest"
	"github.com/skysink/skysink/pkg/config"
	"github.com/skysink/skysink/pkg/skyerrors"
)

// wireEvent is a single Jetstream message. Only commit events carry a
// record; identity and account events are ignored.
type wireEvent struct {
	DID    string      `json:"did"`
	TimeUS int64       `json:"time_us"`
	Kind   string      `json:"kind"`
	Commit *wireCommit `json:"commit,omitempty"`
}

type wireCommit struct {
	Rev        string                 `json:"rev"`
	Operation  string                 `json:"operation"`
	Collection string                 `json:"collection"`
	RKey       string                 `json:"rkey"`
	CID        string                 `json:"cid"`
	Record     map[string]interface{} `json:"record,omitempty"`
}

const (
	opCreate = "create"
	opUpdate = "update"
)

// Handler receives each decoded commit event. Handlers must not block:
// the read loop is single-threaded and a slow handler stalls the stream.
type Handler func(evt ingest.RawEvent)

// Client maintains a subscription to a Jetstream endpoint.
type Client struct {
	cfg     config.JetstreamConfig
	handler Handler
	logger  *zap.Logger
}

// NewClient creates a Jetstream client delivering events to handler.
func NewClient(cfg config.JetstreamConfig, handler Handler, logger *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(zap.String("component", "jetstream")),
	}
}

// subscribeURL builds the endpoint URL with wantedCollections parameters.
// An explicitly configured collection list wins; otherwise the client
// subscribes to every collection the classifier handles.
func (c *Client) subscribeURL() (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", skyerrors.Wrap(err, skyerrors.ErrorTypeConfig, "invalid jetstream endpoint")
	}
	collections := c.cfg.Collections
	if len(collections) == 0 {
		collections = ingest.SupportedCollections()
	}
	q := u.Query()
	for _, collection := range collections {
		q.Add("wantedCollections", collection)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and consumes events until ctx is cancelled. Connection
// failures and dropped streams are retried with exponential backoff; the
// backoff resets after a connection that stayed up for a full minute.
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := c.subscribeURL()
	if err != nil {
		return err
	}

	delay := c.cfg.ReconnectBaseDelay
	for {
		started := time.Now()
		err := c.consume(ctx, endpoint)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			delay = c.cfg.ReconnectBaseDelay
		}
		c.logger.Warn("jetstream connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", delay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}
}

// consume holds a single websocket connection, dispatching events until
// the stream breaks or ctx is cancelled.
func (c *Client) consume(ctx context.Context, endpoint string) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return skyerrors.Wrap(err, skyerrors.ErrorTypeConnection, "jetstream dial failed")
	}
	defer conn.Close()

	c.logger.Info("jetstream connected", zap.String("endpoint", c.cfg.Endpoint))

	// Unblock ReadMessage on shutdown. The watchdog exits with the
	// connection so reconnect cycles do not accumulate goroutines.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return skyerrors.Wrap(err, skyerrors.ErrorTypeConnection, "jetstream read failed")
		}
		c.dispatch(payload)
	}
}

// dispatch decodes one wire message and forwards creates and updates.
// Malformed messages are logged and skipped so one bad frame cannot
// stall the stream.
func (c *Client) dispatch(payload []byte) {
	var evt wireEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		c.logger.Debug("skipping undecodable jetstream message", zap.Error(err))
		return
	}
	if evt.Kind != "commit" || evt.Commit == nil {
		return
	}
	switch evt.Commit.Operation {
	case opCreate, opUpdate:
	default:
		// Deletes are out of scope for an upsert-only sink.
		return
	}
	if evt.Commit.Record == nil {
		return
	}

	c.handler(ingest.RawEvent{
		DID:        evt.DID,
		Collection: evt.Commit.Collection,
		RKey:       evt.Commit.RKey,
		CID:        evt.Commit.CID,
		TimeUS:     evt.TimeUS,
		Body:       evt.Commit.Record,
	})
}
