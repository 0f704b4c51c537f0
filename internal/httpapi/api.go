// Package httpapi exposes the auth gate over HTTP. Every route is registered
// together with the auth.Operation the gate evaluates before the handler runs.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/netip"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/obs"
)

const serviceName = "tenantgate"

type readinessChecker interface {
	Check(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings the database and the key-value store when set.
type ReadyProbe struct {
	DB pinger
	KV pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	var errs []error
	if rp.DB != nil {
		if err := rp.DB.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rp.KV != nil {
		if err := rp.KV.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Route is one registered pattern and the operation guarding it.
type Route struct {
	Pattern   string
	Operation auth.Operation
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	rbac       *auth.RBACService
	readiness  readinessChecker
	version    string
	rateBurst  int
	ratePerSec float64
	clientIPs  ClientIPResolver
	routes     []Route
}

// Option configures API.
type Option func(*API)

// WithRateLimit sets the per-IP token bucket. Zero perSecond disables it.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithTrustedProxies lists the proxy ranges whose X-Forwarded-For is honored.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.clientIPs = NewClientIPResolver(prefixes)
	}
}

func New(svc *auth.Service, rbac *auth.RBACService, readiness readinessChecker, version string, opts ...Option) *API {
	if readiness == nil {
		readiness = ReadyProbe{}
	}
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		rbac:       rbac,
		readiness:  readiness,
		version:    version,
		rateBurst:  40,
		ratePerSec: 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	a.registerAuthRoutes()
	a.registerRBACRoutes()
	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	if a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = MaxBodyBytes(SecurityHeaders(h), 1<<20)
	return RequestID(ClientIP(LoggingJSON(obs.Instrument(h)), a.clientIPs))
}

// Routes lists every guarded route in registration order.
func (a *API) Routes() []Route {
	return append([]Route(nil), a.routes...)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	_, commit := obs.BuildVersion()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
		"commit":  commit,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
