package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/leonardcser/pulse-edge/internal/logger"
)

const maxControlMessage = 1 << 10

type HandlerOptions struct {
	Registration *Registration
	Scope        Scope
	// Transport carries pass-through traffic. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

type handler struct {
	reg   *Registration
	scope Scope
	proxy *httputil.ReverseProxy
}

// NewHandler serves the edge: worker control routes under /__worker/ and
// every other request through the active worker's fetch policy, falling back
// to a reverse proxy for requests the worker does not intercept. Both only
// ever reach the scope's origin.
func NewHandler(opts HandlerOptions) http.Handler {
	h := &handler{reg: opts.Registration, scope: opts.Scope}
	h.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target, ok := h.upstream(pr.In.URL)
			if !ok {
				target = h.scope.Origin.JoinPath("/")
			}
			pr.Out.URL = target
			pr.Out.Host = target.Host
		},
		Transport: opts.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warnf("edge: pass-through %s %s: %v", r.Method, r.URL, err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}

	r := mux.NewRouter()
	r.SkipClean(true)
	r.HandleFunc("/__worker/message", h.postMessage).Methods(http.MethodPost)
	r.HandleFunc("/__worker/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/__worker/updates", h.updates).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(h.fetch)
	return r
}

// upstream maps an inbound request URL onto the origin, keeping only path and
// query. Absolute-form URLs naming any other host are refused.
func (h *handler) upstream(in *url.URL) (*url.URL, bool) {
	if in.IsAbs() && !h.scope.SameOrigin(in) {
		return nil, false
	}
	u := *h.scope.Origin
	u.Path, u.RawPath, u.RawQuery = in.Path, in.RawPath, in.RawQuery
	if u.Path == "" {
		u.Path = "/"
	}
	return &u, true
}

func (h *handler) fetch(w http.ResponseWriter, r *http.Request) {
	target, ok := h.upstream(r.URL)
	if !ok {
		logger.Warnf("edge: refusing %s %s: not the origin %s", r.Method, r.URL, h.scope.Origin)
		http.Error(w, "edge only serves "+h.scope.Origin.String(), http.StatusMisdirectedRequest)
		return
	}
	if active := h.reg.Active(); active != nil {
		req := r.Clone(r.Context())
		req.URL = target
		resp, handled, err := active.HandleFetch(req)
		if handled {
			if err != nil {
				logger.Warnf("edge: %s offline and not cached: %v", req.URL, err)
				http.Error(w, "upstream unavailable", http.StatusBadGateway)
				return
			}
			writeResponse(w, resp)
			return
		}
	}
	h.proxy.ServeHTTP(w, r)
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (h *handler) postMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlMessage))
	if err != nil {
		http.Error(w, "read message", http.StatusBadRequest)
		return
	}
	err = h.reg.PostMessage(r.Context(), string(body))
	switch {
	case errors.Is(err, ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		logger.Errorf("edge: control message: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Status is the JSON body of GET /__worker/status.
type Status struct {
	Active      string   `json:"active,omitempty"`
	Phase       string   `json:"phase,omitempty"`
	Waiting     string   `json:"waiting,omitempty"`
	Generations []string `json:"generations"`
	Clients     int      `json:"clients"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st := Status{Clients: h.reg.ClientCount(), Generations: []string{}}
	if a := h.reg.Active(); a != nil {
		st.Active = a.Version()
		st.Phase = a.Phase().String()
		if gens, err := a.Generations(); err == nil && gens != nil {
			st.Generations = gens
		}
	}
	if wt := h.reg.Waiting(); wt != nil {
		st.Waiting = wt.Version()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// updates streams worker to page messages as server-sent events for as long
// as the page stays connected.
func (h *handler) updates(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	c := h.reg.Connect()
	defer h.reg.Disconnect(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": client %s\n\n", c.ID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case m := <-c.Messages():
			b, err := json.Marshal(m)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}
