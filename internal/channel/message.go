package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

const (
	TypeNotification = "notification"
	TypePing         = "ping"

	// DefaultPath is appended to the page origin when deriving the channel URL.
	DefaultPath = "/ws"
)

var pingPayload = []byte(`{"type":"ping"}`)

// Message is an inbound JSON object. The notification fields are decoded
// eagerly; everything else stays available in Raw.
type Message struct {
	Type    string          `json:"type"`
	Title   string          `json:"title,omitempty"`
	Message string          `json:"message,omitempty"`
	Variant string          `json:"variant,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

var errNotObject = errors.New("channel: message is not a JSON object")

// ParseMessage decodes one inbound frame.
func ParseMessage(b []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errNotObject
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("channel: decode message: %w", err)
	}
	m.Raw = append(json.RawMessage(nil), trimmed...)
	return &m, nil
}

// DeriveURL swaps the page origin's HTTP scheme for its WebSocket
// equivalent and sets path.
func DeriveURL(origin, path string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("channel: unsupported origin scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("channel: origin %q has no host", origin)
	}
	if path == "" {
		path = DefaultPath
	}
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
