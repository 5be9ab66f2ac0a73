package cache

import (
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.bbolt"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createGenerations(t *testing.T, kv KV, gens ...string) {
	t.Helper()
	for _, g := range gens {
		require.NoError(t, kv.CreateGeneration(g))
	}
}

func TestStore_PutGet(t *testing.T) {
	s := openTestStore(t)
	createGenerations(t, s, "v1")

	require.NoError(t, s.Put("v1", "https://app.test/", []byte("shell"), 0))

	got, err := s.Get("v1", "https://app.test/")
	require.NoError(t, err)
	assert.Equal(t, []byte("shell"), got)
}

func TestStore_GenerationsAreIsolated(t *testing.T) {
	s := openTestStore(t)
	createGenerations(t, s, "v1", "v2")

	require.NoError(t, s.Put("v1", "k", []byte("old"), 0))
	require.NoError(t, s.Put("v2", "k", []byte("new"), 0))

	v1, err := s.Get("v1", "k")
	require.NoError(t, err)
	v2, err := s.Get("v2", "k")
	require.NoError(t, err)
	assert.Equal(t, "old", string(v1))
	assert.Equal(t, "new", string(v2))

	_, err = s.Get("v3", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GenerationsAndDrop(t *testing.T) {
	s := openTestStore(t)
	createGenerations(t, s, "v2", "v1")

	require.NoError(t, s.Put("v2", "a", []byte("1"), 0))
	require.NoError(t, s.Put("v1", "a", []byte("1"), 0))
	require.NoError(t, s.Put("v1", "b", []byte("2"), 0))

	gens, err := s.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, gens)

	require.NoError(t, s.DropGeneration("v1"))
	require.NoError(t, s.DropGeneration("missing"), "dropping an unknown generation is a no-op")

	gens, err = s.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, gens)

	_, err = s.Get("v1", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PutNeedsExistingGeneration(t *testing.T) {
	s := openTestStore(t)

	assert.ErrorIs(t, s.Put("v1", "k", []byte("x"), 0), ErrUnknownGeneration)

	createGenerations(t, s, "v1")
	require.NoError(t, s.Put("v1", "k", []byte("x"), 0))
	require.NoError(t, s.CreateGeneration("v1"), "creating twice keeps the entries")
	got, err := s.Get("v1", "k")
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))

	require.NoError(t, s.DropGeneration("v1"))
	assert.ErrorIs(t, s.Put("v1", "k", []byte("late"), 0), ErrUnknownGeneration)

	gens, err := s.Generations()
	require.NoError(t, err)
	assert.Empty(t, gens, "a late write does not bring a dropped generation back")
}

func TestStore_Expired(t *testing.T) {
	s := openTestStore(t)
	createGenerations(t, s, "v1")

	require.NoError(t, s.Put("v1", "k", []byte("x"), time.Second))
	time.Sleep(2100 * time.Millisecond)

	_, err := s.Get("v1", "k")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestStore_EmptyGenerationRejected(t *testing.T) {
	s := openTestStore(t)
	assert.ErrorIs(t, s.Put("", "k", []byte("x"), 0), ErrNoGeneration)
	assert.ErrorIs(t, s.DropGeneration(""), ErrNoGeneration)
	assert.ErrorIs(t, s.CreateGeneration(""), ErrNoGeneration)
}

func TestEntry_RoundTripKeepsBodyBytes(t *testing.T) {
	in := &Entry{
		URL:      "https://app.test/app.js",
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {"text/javascript"}},
		Body:     []byte{0x00, 0xff, 'j', 's'},
		StoredAt: time.Unix(1700000000, 0).UTC(),
	}
	b, err := EncodeEntry(in)
	require.NoError(t, err)

	out, err := DecodeEntry(b)
	require.NoError(t, err)
	assert.Equal(t, in.Body, out.Body)
	assert.Equal(t, "text/javascript", out.Header.Get("Content-Type"))
	assert.True(t, in.StoredAt.Equal(out.StoredAt))
}

func TestClient_OverDaemonSocket(t *testing.T) {
	store := openTestStore(t)

	dir, err := os.MkdirTemp("", "pe")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "c.sock")

	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() { _ = Serve(l, store) }()

	c := NewClient(sock)

	assert.ErrorIs(t, c.Put("v1", "k", []byte("value"), 0), ErrUnknownGeneration)
	require.NoError(t, c.CreateGeneration("v1"))
	require.NoError(t, c.Put("v1", "k", []byte("value"), 0))
	got, err := c.Get("v1", "k")
	require.NoError(t, err)
	assert.Equal(t, "value", string(got))

	_, err = c.Get("v1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	gens, err := c.Generations()
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, gens)

	require.NoError(t, c.Delete("v1", "k"))
	_, err = c.Get("v1", "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.DropGeneration("v1"))
	gens, err = c.Generations()
	require.NoError(t, err)
	assert.Empty(t, gens)
}

func TestClient_TimesOutOnStalledDaemon(t *testing.T) {
	dir, err := os.MkdirTemp("", "pe")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "stall.sock")

	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	held := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			held <- conn // accepted, never answered
		}
	}()
	t.Cleanup(func() {
		_ = l.Close()
		for {
			select {
			case conn := <-held:
				_ = conn.Close()
			default:
				return
			}
		}
	})

	c := NewClient(sock)
	c.timeout = 100 * time.Millisecond

	start := time.Now()
	_, err = c.Get("v1", "k")
	require.Error(t, err)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
	assert.Less(t, time.Since(start), 2*time.Second)
}
