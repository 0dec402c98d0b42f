// Package transport defines the request/reply contract with the backend engine and the wire
// envelope shared by its implementations.
package transport

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/hiveproxy/errs"
)

// DefaultChannel is the backend channel serving gateway requests.
const DefaultChannel = "gateway"

// Correlator sends a tagged request over a named backend channel and resolves exactly once
// with the matching reply or a failure. Timeouts surface as failures.
type Correlator interface {
	Request(ctx context.Context, id, channel string, payload []any) (json.RawMessage, error)
	Close() error
}

// Request is the envelope sent to the backend. The correlation id is also appended as the last
// payload element.
type Request struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Payload []any  `json:"payload"`
}

// Reply is the envelope returned by the backend.
type Reply struct {
	ID     string          `json:"id"`
	Error  *string         `json:"error"`
	Result json.RawMessage `json:"result"`
}

// NewRequest builds the envelope for payload, appending id to it.
func NewRequest(id, channel string, payload []any) Request {
	body := make([]any, 0, len(payload)+1)
	body = append(body, payload...)
	body = append(body, id)
	return Request{ID: id, Channel: channel, Payload: body}
}

// EncodeRequest serialises a request envelope.
func EncodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: encode request %s: %w", req.ID, err)
	}
	return data, nil
}

// DecodeReply parses a reply envelope.
func DecodeReply(data []byte) (Reply, error) {
	var rep Reply
	if err := json.Unmarshal(data, &rep); err != nil {
		return Reply{}, fmt.Errorf("transport: decode reply: %w", err)
	}
	return rep, nil
}

// Outcome converts a reply into the caller-facing result.
func (r Reply) Outcome() (json.RawMessage, error) {
	if r.Error != nil && strings.TrimSpace(*r.Error) != "" {
		return nil, &BackendError{Message: *r.Error}
	}
	return r.Result, nil
}

// BackendError is a rejection reported by the backend engine.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	return "backend: " + e.Message
}

// UnavailableError reports that no backend session can carry request id right now.
func UnavailableError(op, id string, cause error) error {
	return errs.New("transport/"+op, errs.CodeUnavailable,
		errs.WithMessage("backend unavailable"),
		errs.WithField("req_id", id),
		errs.WithCause(cause))
}

// NetworkError wraps a transport-level failure for request id.
func NetworkError(op, id string, cause error) error {
	return errs.New("transport/"+op, errs.CodeNetwork,
		errs.WithMessage("backend request failed"),
		errs.WithField("req_id", id),
		errs.WithCause(cause))
}
