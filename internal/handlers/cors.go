package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"changecache/internal/config"
)

// corsPolicy is a CORSConfig resolved into the header values it produces.
type corsPolicy struct {
	anyOrigin   bool
	origins     map[string]struct{}
	credentials bool
	methods     string
	headers     string
	maxAge      string
}

func newCORSPolicy(cfg config.CORSConfig) *corsPolicy {
	p := &corsPolicy{
		origins:     make(map[string]struct{}, len(cfg.AllowedOrigins)),
		credentials: cfg.AllowCredentials,
		methods:     strings.Join(cfg.AllowedMethods, ", "),
		headers:     strings.Join(cfg.AllowedHeaders, ", "),
		maxAge:      strconv.Itoa(cfg.MaxAge),
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			p.anyOrigin = true
			continue
		}
		p.origins[o] = struct{}{}
	}
	return p
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when origin may not call the API. A wildcard is never echoed back as
// "*" to credentialed requests.
func (p *corsPolicy) allowOrigin(origin string) string {
	if _, ok := p.origins[origin]; ok {
		return origin
	}
	if !p.anyOrigin {
		return ""
	}
	if p.credentials {
		return origin
	}
	return "*"
}

// CORSMiddleware applies cfg to cross-origin requests. Disallowed origins
// get 403 and preflights are answered without reaching next.
func CORSMiddleware(cfg config.CORSConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}
	policy := newCORSPolicy(cfg)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowed := policy.allowOrigin(origin)
		if allowed == "" {
			logger.Debugf("rejecting %s %s from origin %q", r.Method, r.URL.Path, origin)
			w.WriteHeader(http.StatusForbidden)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", allowed)
		h.Add("Vary", "Origin")
		if policy.credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", policy.methods)
			h.Set("Access-Control-Allow-Headers", policy.headers)
			h.Set("Access-Control-Max-Age", policy.maxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
