package cache

import (
	"encoding/json"
	"errors"
	"net"
	"time"
)

// Serve accepts daemon connections on l until it is closed, answering
// requests against kv.
func Serve(l net.Listener, kv KV) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		go HandleConn(conn, kv)
	}
}

// HandleConn answers requests on one connection until the peer hangs up.
func HandleConn(conn net.Conn, kv KV) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		_ = enc.Encode(dispatch(kv, req))
	}
}

func dispatch(kv KV, req Request) Response {
	switch req.Op {
	case OpGet:
		v, err := kv.Get(req.Generation, req.Key)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Value: v}
	case OpPut:
		ttl := time.Duration(req.TTLSeconds) * time.Second
		if err := kv.Put(req.Generation, req.Key, req.Value, ttl); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}
	case OpDelete:
		if err := kv.Delete(req.Generation, req.Key); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}
	case OpGenerations:
		gens, err := kv.Generations()
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Generations: gens}
	case OpCreate:
		if err := kv.CreateGeneration(req.Generation); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}
	case OpDrop:
		if err := kv.DropGeneration(req.Generation); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}
	default:
		return Response{Error: "unknown op"}
	}
}
