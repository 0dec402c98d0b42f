// Package natsclient implements the backend correlator over NATS request/reply.
package natsclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/coachpo/hiveproxy/internal/observability"
	"github.com/coachpo/hiveproxy/internal/transport"
)

const (
	// DefaultSubjectPrefix prefixes the backend channel name to form the request subject.
	DefaultSubjectPrefix = "hive."

	defaultRequestTimeout = 10 * time.Second
)

// Requester is the subset of *nats.Conn used by the client.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Drain() error
}

// Options tunes the client.
type Options struct {
	SubjectPrefix  string
	RequestTimeout time.Duration
	Logger         observability.Logger
}

// Client maps each correlated request onto a NATS request on subject <prefix><channel>.
type Client struct {
	nc     Requester
	prefix string
	opts   Options
	log    observability.Logger
}

var _ transport.Correlator = (*Client)(nil)

// Dial connects to the NATS server at url.
func Dial(url string, opts Options) (*Client, error) {
	logger := observability.OrDefault(opts.Logger)
	nc, err := nats.Connect(url,
		nats.Name("hiveproxy"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("nats disconnected", observability.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", observability.F("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsclient: connect %s: %w", url, err)
	}
	return New(nc, opts), nil
}

// New wraps an existing connection.
func New(nc Requester, opts Options) *Client {
	prefix := opts.SubjectPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultSubjectPrefix
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Client{nc: nc, prefix: prefix, opts: opts, log: observability.OrDefault(opts.Logger)}
}

// Subject returns the request subject for channel.
func (c *Client) Subject(channel string) string {
	return c.prefix + channel
}

// Request publishes the envelope and waits for the reply.
func (c *Client) Request(ctx context.Context, id, channel string, payload []any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	data, err := transport.EncodeRequest(transport.NewRequest(id, channel, payload))
	if err != nil {
		return nil, err
	}

	msg, err := c.nc.RequestWithContext(ctx, c.Subject(channel), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrConnectionClosed) {
			return nil, transport.UnavailableError("request", id, err)
		}
		return nil, transport.NetworkError("request", id, err)
	}

	rep, err := transport.DecodeReply(msg.Data)
	if err != nil {
		return nil, transport.NetworkError("decode", id, err)
	}
	if rep.ID != "" && rep.ID != id {
		return nil, transport.NetworkError("decode", id, fmt.Errorf("reply id %q does not match", rep.ID))
	}
	return rep.Outcome()
}

// Close drains the connection.
func (c *Client) Close() error {
	if err := c.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("natsclient: drain: %w", err)
	}
	return nil
}
