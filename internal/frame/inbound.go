package frame

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Inbound event names.
const (
	EventSubscribe = "subscribe"
	EventAuth      = "auth"
)

// Inbound command kinds.
const (
	CommandSubmit = "on"
	CommandCancel = "oc"
)

// Inbound is a classified client frame. A nil Inbound means the frame is not recognised.
type Inbound interface {
	inbound()
}

// EventFrame is an object frame carrying an event field.
type EventFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Symbol  string          `json:"symbol"`
	ID      json.RawMessage `json:"id"`
}

func (EventFrame) inbound() {}

// UserID coerces the id field to an integer. Both "7" and 7 are accepted.
func (e EventFrame) UserID() (int64, error) {
	raw := bytes.TrimSpace(e.ID)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("frame: missing user id")
	}
	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("frame: user id: %w", err)
		}
	} else {
		text = string(raw)
	}
	text = strings.TrimSpace(text)
	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(text, 64)
		if ferr != nil || f != float64(int64(f)) {
			return 0, fmt.Errorf("frame: user id %q is not an integer", text)
		}
		id = int64(f)
	}
	return id, nil
}

// CommandFrame is an array frame: [*, kind, *, payload].
type CommandFrame struct {
	Kind    string
	Payload json.RawMessage
}

func (CommandFrame) inbound() {}

// Parse classifies a raw client frame. Malformed JSON yields an error; well-formed but
// unrecognised frames yield (nil, nil).
func Parse(data []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '{':
		var ev EventFrame
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			return nil, fmt.Errorf("frame: decode event: %w", err)
		}
		if ev.Event == "" {
			return nil, nil
		}
		return ev, nil
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return nil, fmt.Errorf("frame: decode command: %w", err)
		}
		if len(parts) < 2 {
			return nil, nil
		}
		var kind string
		if err := json.Unmarshal(parts[1], &kind); err != nil {
			return nil, nil
		}
		cmd := CommandFrame{Kind: kind}
		if len(parts) > 3 {
			cmd.Payload = parts[3]
		}
		return cmd, nil
	default:
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("frame: malformed frame")
		}
		return nil, nil
	}
}
