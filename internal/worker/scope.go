package worker

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Scope is the explicit context every policy decision is made against: the
// application's own origin and the path prefix of its REST API.
type Scope struct {
	Origin    *url.URL
	APIPrefix string
}

// NewScope parses origin and normalizes apiPrefix to "/segment" form.
func NewScope(origin, apiPrefix string) (Scope, error) {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return Scope{}, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Scope{}, fmt.Errorf("origin %q must be absolute", origin)
	}
	u.Path, u.RawQuery, u.Fragment = "", "", ""
	prefix := strings.TrimRight(apiPrefix, "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return Scope{Origin: u, APIPrefix: prefix}, nil
}

// Resolve returns the absolute URL of ref, taking relative references
// against the origin.
func (s Scope) Resolve(ref *url.URL) *url.URL {
	if ref.IsAbs() && ref.Host != "" {
		out := *ref
		return &out
	}
	return s.Origin.ResolveReference(ref)
}

// SameOrigin reports whether u shares scheme and host with the origin.
func (s Scope) SameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, s.Origin.Scheme) && strings.EqualFold(u.Host, s.Origin.Host)
}

// IsAPI reports whether path is the API prefix or below it.
func (s Scope) IsAPI(path string) bool {
	if s.APIPrefix == "" {
		return false
	}
	return path == s.APIPrefix || strings.HasPrefix(path, s.APIPrefix+"/")
}

// Intercepts applies the bypass rules: only same-origin, non-API GETs are
// handled by the worker.
func (s Scope) Intercepts(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	u := s.Resolve(req.URL)
	if !s.SameOrigin(u) {
		return false
	}
	return !s.IsAPI(u.Path)
}

// CacheKey is the absolute request URL without fragment.
func (s Scope) CacheKey(req *http.Request) string {
	u := s.Resolve(req.URL)
	u.Fragment = ""
	return u.String()
}
