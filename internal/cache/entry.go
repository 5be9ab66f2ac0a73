package cache

import (
	"encoding/json"
	"net/http"
	"time"
)

// Entry is a cached network response keyed by its request URL.
type Entry struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

func EncodeEntry(e *Entry) ([]byte, error) { return json.Marshal(e) }

func DecodeEntry(b []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
