// Package worker implements the asset cache worker: a network-first cache
// for the application shell with versioned cache generations, and the
// registration that moves pages between worker versions.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/leonardcser/pulse-edge/internal/cache"
	"github.com/leonardcser/pulse-edge/internal/logger"
	"github.com/leonardcser/pulse-edge/internal/web"
)

// Phase is the lifecycle position of one worker version.
type Phase int

const (
	PhaseParsed Phase = iota
	PhaseInstalling
	PhaseInstalled
	PhaseActivating
	PhaseActivated
	PhaseRedundant
)

func (p Phase) String() string {
	switch p {
	case PhaseParsed:
		return "parsed"
	case PhaseInstalling:
		return "installing"
	case PhaseInstalled:
		return "installed"
	case PhaseActivating:
		return "activating"
	case PhaseActivated:
		return "activated"
	case PhaseRedundant:
		return "redundant"
	}
	return "unknown"
}

type Options struct {
	// Version names the cache generation this worker owns.
	Version string
	Scope   Scope
	Store   cache.KV
	// Transport performs network fetches. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
	// Manifest lists paths precached on install.
	Manifest []string
	// DiscoverAssets also precaches same-origin assets referenced by the
	// root document, best-effort.
	DiscoverAssets bool
}

type Worker struct {
	version   string
	scope     Scope
	store     cache.KV
	transport http.RoundTripper
	manifest  []string
	discover  bool
	precacher *web.Precacher

	mu    sync.Mutex
	phase Phase

	writes sync.WaitGroup
}

func New(opts Options) (*Worker, error) {
	if opts.Version == "" {
		return nil, errors.New("worker: version is required")
	}
	if opts.Store == nil {
		return nil, errors.New("worker: store is required")
	}
	if opts.Scope.Origin == nil {
		return nil, errors.New("worker: scope origin is required")
	}
	rt := opts.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Worker{
		version:   opts.Version,
		scope:     opts.Scope,
		store:     opts.Store,
		transport: rt,
		manifest:  append([]string(nil), opts.Manifest...),
		discover:  opts.DiscoverAssets,
		precacher: web.NewPrecacher(rt),
	}, nil
}

func (w *Worker) Version() string { return w.version }

func (w *Worker) Scope() Scope { return w.scope }

func (w *Worker) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

func (w *Worker) setPhase(p Phase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
}

// Install creates the worker's generation and precaches the manifest into
// it. Every manifest entry must succeed; discovered assets are best-effort.
// Install is the only place a generation is created.
func (w *Worker) Install(ctx context.Context) error {
	w.setPhase(PhaseInstalling)
	if err := w.store.CreateGeneration(w.version); err != nil {
		w.setPhase(PhaseRedundant)
		return fmt.Errorf("install %s: create generation: %w", w.version, err)
	}
	urls := make([]string, 0, len(w.manifest))
	for _, p := range w.manifest {
		ref, err := url.Parse(p)
		if err != nil {
			w.setPhase(PhaseRedundant)
			return fmt.Errorf("install %s: bad manifest entry %q: %w", w.version, p, err)
		}
		urls = append(urls, w.scope.Resolve(ref).String())
	}

	resources, err := w.precacher.Collect(ctx, urls)
	if err != nil {
		w.setPhase(PhaseRedundant)
		return fmt.Errorf("install %s: %w", w.version, err)
	}
	for _, res := range resources {
		if err := w.put(res.URL, res.Status, res.Header, res.Body); err != nil {
			w.setPhase(PhaseRedundant)
			return fmt.Errorf("install %s: store %s: %w", w.version, res.URL, err)
		}
	}

	if w.discover {
		w.precacheDiscovered(ctx, resources)
	}
	w.setPhase(PhaseInstalled)
	logger.Infof("worker %s: installed %d resources", w.version, len(resources))
	return nil
}

func (w *Worker) precacheDiscovered(ctx context.Context, resources []web.Resource) {
	have := make(map[string]struct{}, len(resources))
	var root *web.Resource
	for i := range resources {
		have[resources[i].URL] = struct{}{}
		if root == nil && strings.Contains(resources[i].Header.Get("Content-Type"), "text/html") {
			root = &resources[i]
		}
	}
	if root == nil {
		return
	}
	base, err := url.Parse(root.URL)
	if err != nil {
		return
	}
	assets, err := web.DiscoverAssets(root.Body, base)
	if err != nil {
		logger.Warnf("worker %s: asset discovery: %v", w.version, err)
		return
	}
	for _, a := range assets {
		if _, ok := have[a]; ok {
			continue
		}
		got, err := w.precacher.Collect(ctx, []string{a})
		if err != nil {
			logger.Warnf("worker %s: skip asset: %v", w.version, err)
			continue
		}
		for _, res := range got {
			if err := w.put(res.URL, res.Status, res.Header, res.Body); err != nil {
				logger.Warnf("worker %s: store asset %s: %v", w.version, res.URL, err)
			}
		}
	}
}

// Activate deletes every cache generation other than the worker's own.
func (w *Worker) Activate(ctx context.Context) error {
	w.setPhase(PhaseActivating)
	gens, err := w.store.Generations()
	if err != nil {
		return fmt.Errorf("activate %s: list generations: %w", w.version, err)
	}
	for _, g := range gens {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if g == w.version {
			continue
		}
		if err := w.store.DropGeneration(g); err != nil {
			return fmt.Errorf("activate %s: %w", w.version, err)
		}
		logger.Infof("worker %s: dropped stale generation %s", w.version, g)
	}
	w.setPhase(PhaseActivated)
	return nil
}

// HandleFetch applies the fetch policy. When handled is false the request
// was not intercepted and the caller must perform its own network handling;
// nothing was read from or written to the cache.
//
// Intercepted requests go to the network first. A 200 response is stored in
// the background and returned live, unless the worker has become redundant. On a network error the cached entry for
// the same URL is returned unmodified, or the network error if none exists.
func (w *Worker) HandleFetch(req *http.Request) (resp *http.Response, handled bool, err error) {
	if !w.scope.Intercepts(req) {
		return nil, false, nil
	}
	key := w.scope.CacheKey(req)

	out := req.Clone(req.Context())
	out.URL = w.scope.Resolve(req.URL)
	out.Host = ""
	out.RequestURI = ""

	resp, err = w.transport.RoundTrip(out)
	if err != nil {
		return w.fallback(req, key, err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp, true, nil
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return w.fallback(req, key, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	header := resp.Header.Clone()
	w.writes.Add(1)
	go func() {
		defer w.writes.Done()
		if w.Phase() == PhaseRedundant {
			logger.Infof("worker %s: redundant, not caching %s", w.version, key)
			return
		}
		if err := w.put(key, resp.StatusCode, header, body); err != nil {
			logger.Warnf("worker %s: cache write %s: %v", w.version, key, err)
		}
	}()
	return resp, true, nil
}

func (w *Worker) fallback(req *http.Request, key string, netErr error) (*http.Response, bool, error) {
	b, err := w.store.Get(w.version, key)
	if err != nil {
		return nil, true, netErr
	}
	e, err := cache.DecodeEntry(b)
	if err != nil {
		logger.Warnf("worker %s: corrupt cache entry %s: %v", w.version, key, err)
		return nil, true, netErr
	}
	logger.Infof("worker %s: network failed for %s, serving cached copy", w.version, key)
	return entryResponse(e, req), true, nil
}

// Wait blocks until every background cache write has finished.
func (w *Worker) Wait() { w.writes.Wait() }

// Lookup returns the cached entry for rawURL in the worker's generation.
func (w *Worker) Lookup(rawURL string) (*cache.Entry, error) {
	b, err := w.store.Get(w.version, rawURL)
	if err != nil {
		return nil, err
	}
	return cache.DecodeEntry(b)
}

// Generations lists every generation held by the worker's store.
func (w *Worker) Generations() ([]string, error) { return w.store.Generations() }

func (w *Worker) put(key string, status int, header http.Header, body []byte) error {
	b, err := cache.EncodeEntry(&cache.Entry{
		URL:      key,
		Status:   status,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return w.store.Put(w.version, key, b, 0)
}

func entryResponse(e *cache.Entry, req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
