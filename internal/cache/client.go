package cache

import (
	"encoding/json"
	"errors"
	"net"
	"time"
)

const DefaultClientTimeout = 2 * time.Second

// Client implements KV over the cache daemon's Unix socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient returns a client whose every request, dial included, must
// complete within DefaultClientTimeout.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: DefaultClientTimeout}
}

// roundTrip sends one request on a fresh connection and decodes the reply.
func (c *Client) roundTrip(req Request) (Response, error) {
	var resp Response
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return resp, err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return resp, err
	}
	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		return resp, err
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return resp, err
	}
	if !resp.OK {
		return resp, remoteError(resp.Error)
	}
	return resp, nil
}

func (c *Client) Get(generation, key string) ([]byte, error) {
	resp, err := c.roundTrip(Request{Op: OpGet, Generation: generation, Key: key})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), resp.Value...), nil
}

func (c *Client) Put(generation, key string, value []byte, ttl time.Duration) error {
	_, err := c.roundTrip(Request{
		Op:         OpPut,
		Generation: generation,
		Key:        key,
		Value:      value,
		TTLSeconds: int64(ttl / time.Second),
	})
	return err
}

func (c *Client) Delete(generation, key string) error {
	_, err := c.roundTrip(Request{Op: OpDelete, Generation: generation, Key: key})
	return err
}

func (c *Client) Generations() ([]string, error) {
	resp, err := c.roundTrip(Request{Op: OpGenerations})
	if err != nil {
		return nil, err
	}
	return resp.Generations, nil
}

func (c *Client) CreateGeneration(generation string) error {
	_, err := c.roundTrip(Request{Op: OpCreate, Generation: generation})
	return err
}

func (c *Client) DropGeneration(generation string) error {
	_, err := c.roundTrip(Request{Op: OpDrop, Generation: generation})
	return err
}

// remoteError maps daemon error strings back onto the package sentinels so
// callers can use errors.Is across the socket.
func remoteError(msg string) error {
	for _, sentinel := range []error{ErrNotFound, ErrExpired, ErrNoGeneration, ErrUnknownGeneration} {
		if msg == sentinel.Error() {
			return sentinel
		}
	}
	return errors.New(msg)
}
