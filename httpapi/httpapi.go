// Package httpapi serves the four routes spec §6 places on the core:
// OIDC discovery, JWKS, and the OAuth begin/callback pair. Routing follows
// dex's server.go: a gorilla/mux router, prometheus request instrumentation,
// and a handlers.CombinedLoggingHandler wrapping the whole thing.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/fluxauth/core/apperr"
	"github.com/fluxauth/core/keys"
	fhttp "github.com/fluxauth/core/pkg/http"
	"github.com/fluxauth/core/pkg/log"
	"github.com/fluxauth/core/signin"
	"github.com/fluxauth/core/storage"
)

// cachePolicy is the cache-control value spec §6 assigns to both
// well-known endpoints: "max-age=15, stale-while-revalidate=15".
const cachePolicy = "max-age=15, stale-while-revalidate=15"

// Config wires the orchestrator, key set, and per-request datastore into a
// Server.
type Config struct {
	Engine *signin.Engine
	Keys   *keys.KeySet
	Logger log.Logger

	// IssuerURL is CONVEX_SITE_URL, the `iss` claim and discovery issuer.
	IssuerURL string

	// Backend opens the request-scoped transaction every mutating route
	// runs inside, per spec §6's "All within a request-scoped transaction".
	Backend storage.Backend

	// Decorate, if set, wraps each request's Store before it reaches the
	// orchestrator — the seam an embedder uses to install a
	// trigger.Dispatcher with its own lifecycle hooks.
	Decorate func(storage.Store) storage.Store

	// RatelimitPerIP, if > 0, caps requests per client IP via a coarse
	// token-bucket in front of the domain-level ratelimit.Limiter — a
	// defense against request floods the domain logic itself never sees.
	RatelimitPerIP rate.Limit

	// Registry is where the request-counter/duration-histogram collectors
	// are registered, the same caller-supplied-registry shape as dex's
	// server.Config.PrometheusRegistry. Defaults to a fresh registry rather
	// than prometheus.DefaultRegisterer so building more than one Server in
	// a process (as tests do) never panics on duplicate registration.
	Registry *prometheus.Registry
}

// Server is the HTTP surface over a signin.Engine.
type Server struct {
	cfg      Config
	limiters map[string]*rate.Limiter
}

// NewServer builds the mux.Router for the four routes spec §6 names, wrapped
// in combined logging and (when cfg.RatelimitPerIP > 0) per-IP throttling.
func NewServer(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.LevelInfo)
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	s := &Server{cfg: cfg, limiters: make(map[string]*rate.Limiter)}

	reqCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxauth_http_requests_total",
		Help: "Count of all HTTP requests served by the core.",
	}, []string{"code", "method", "handler"})
	durationHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fluxauth_http_request_duration_seconds",
		Help:    "Latency of HTTP requests served by the core.",
		Buckets: []float64{.01, .05, .25, .5, 1, 2.5, 5},
	}, []string{"code", "method", "handler"})
	cfg.Registry.MustRegister(reqCounter, durationHist)

	instrument := func(name string, h http.HandlerFunc) http.Handler {
		return promhttp.InstrumentHandlerDuration(durationHist.MustCurryWith(prometheus.Labels{"handler": name}),
			promhttp.InstrumentHandlerCounter(reqCounter.MustCurryWith(prometheus.Labels{"handler": name}), h))
	}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.Handle("/.well-known/openid-configuration", instrument("discovery", s.handleDiscovery)).Methods(http.MethodGet)
	r.Handle("/.well-known/jwks.json", instrument("jwks", s.handleJWKS)).Methods(http.MethodGet)
	r.Handle("/api/auth/signin/{provider}", instrument("signin", s.rateLimited(s.handleSignIn))).Methods(http.MethodGet)
	r.Handle("/api/auth/callback/{provider}", instrument("callback", s.rateLimited(s.handleCallback))).Methods(http.MethodGet, http.MethodPost)
	r.NotFoundHandler = http.NotFoundHandler()

	return handlers.CombinedLoggingHandler(logWriter{cfg.Logger}, r)
}

// rateLimited enforces cfg.RatelimitPerIP per client address before handing
// the request to h, a coarse backstop in front of the domain-level bucket
// inside ratelimit.Limiter (spec §4.7 only governs credential/code attempts,
// not raw request volume).
func (s *Server) rateLimited(h http.HandlerFunc) http.HandlerFunc {
	if s.cfg.RatelimitPerIP <= 0 {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		limiter, ok := s.limiters[r.RemoteAddr]
		if !ok {
			limiter = rate.NewLimiter(s.cfg.RatelimitPerIP, int(s.cfg.RatelimitPerIP)+1)
			s.limiters[r.RemoteAddr] = limiter
		}
		if !limiter.Allow() {
			fhttp.WriteError(w, s.cfg.Logger, http.StatusTooManyRequests, string(apperr.RateLimited), "too many requests")
			return
		}
		h(w, r)
	}
}

type discoveryDoc struct {
	Issuer                string `json:"issuer"`
	JWKSURI               string `json:"jwks_uri"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc := discoveryDoc{
		Issuer:                s.cfg.IssuerURL,
		JWKSURI:               s.cfg.IssuerURL + "/.well-known/jwks.json",
		AuthorizationEndpoint: s.cfg.IssuerURL + "/api/auth/signin",
	}
	w.Header().Set("Cache-Control", cachePolicy)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.cfg.Logger.Errorf("httpapi: encoding discovery document: %v", err)
	}
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", cachePolicy)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cfg.Keys.JWKS); err != nil {
		s.cfg.Logger.Errorf("httpapi: encoding JWKS: %v", err)
	}
}

// handleSignIn begins the OAuth/OIDC flow. It reads only the `?redirect=`
// query param (passed on as Params.RedirectTo); a `?code=` param is not read
// and no client verifier is passed to the engine.
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]

	var res signin.Result
	txErr := s.cfg.Backend.WithTx(r.Context(), func(ctx context.Context, store storage.Store) error {
		var err error
		res, err = s.cfg.Engine.SignIn(ctx, s.decorate(store), providerID, signin.Params{RedirectTo: r.URL.Query().Get("redirect")}, "")
		return err
	})
	if txErr != nil {
		s.writeEngineError(w, txErr)
		return
	}
	if res.Redirect == "" {
		fhttp.WriteError(w, s.cfg.Logger, http.StatusBadRequest, string(apperr.OAuthFailed), "provider did not return an authorization url")
		return
	}

	// The verifier signature is opaque, HttpOnly, and scoped to the
	// callback path only. The PKCE verifier stays in the datastore; state
	// and nonce travel in the authorization URL, and the callback finds the
	// verifier row through the `state` query param, not through this cookie.
	http.SetCookie(w, &http.Cookie{
		Name:     "fluxauth_verifier",
		Value:    res.Verifier,
		Path:     "/api/auth/callback/" + providerID,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})
	http.Redirect(w, r, res.Redirect, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]

	var redirectURL string
	txErr := s.cfg.Backend.WithTx(r.Context(), func(ctx context.Context, store storage.Store) error {
		redirectURL = s.cfg.Engine.HandleOAuthCallback(ctx, s.decorate(store), providerID, r)
		return nil
	})
	if txErr != nil {
		fhttp.WriteError(w, s.cfg.Logger, http.StatusInternalServerError, string(apperr.Internal), "opening datastore")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "fluxauth_verifier",
		Value:    "",
		Path:     "/api/auth/callback/" + providerID,
		HttpOnly: true,
		MaxAge:   -1,
	})
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (s *Server) decorate(store storage.Store) storage.Store {
	if s.cfg.Decorate == nil {
		return store
	}
	return s.cfg.Decorate(store)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	errCode := apperr.Internal
	if e, ok := err.(*apperr.Error); ok {
		errCode = e.Code
		switch e.Code {
		case apperr.RateLimited:
			code = http.StatusTooManyRequests
		case apperr.AccountNotFound, apperr.InvalidCredentials, apperr.InvalidCode, apperr.ExpiredCode, apperr.InvalidVerifier, apperr.ProviderMismatch:
			code = http.StatusBadRequest
		case apperr.AccountDeleted, apperr.ExpiredSession, apperr.InvalidRefreshToken:
			code = http.StatusUnauthorized
		}
	}
	fhttp.WriteError(w, s.cfg.Logger, code, string(errCode), err.Error())
}

// logWriter adapts log.Logger to the io.Writer handlers.CombinedLoggingHandler
// wants for its Apache-style access log line.
type logWriter struct{ log.Logger }

func (l logWriter) Write(p []byte) (int, error) {
	l.Info(string(p))
	return len(p), nil
}
