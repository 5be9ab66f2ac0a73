package cache

// Simple JSON protocol for cache daemon over a Unix domain socket.
// One request -> one response using json.Encoder/Decoder per connection.

const (
	OpGet         = "get"
	OpPut         = "put"
	OpDelete      = "delete"
	OpGenerations = "generations"
	OpCreate      = "create"
	OpDrop        = "drop"
)

type Request struct {
	Op         string `json:"op"`
	Generation string `json:"generation,omitempty"`
	Key        string `json:"key,omitempty"`
	Value      []byte `json:"value,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

type Response struct {
	OK          bool     `json:"ok"`
	Value       []byte   `json:"value,omitempty"`
	Generations []string `json:"generations,omitempty"`
	Error       string   `json:"error,omitempty"`
}
