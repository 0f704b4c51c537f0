package httpapi

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const forwardedForHeader = "X-Forwarded-For"

type clientIPKey struct{}

// ClientIPResolver derives the caller address used for throttling, audit
// and device metadata. X-Forwarded-For is read only when the direct peer
// falls inside a trusted proxy range.
type ClientIPResolver struct {
	trusted []netip.Prefix
}

func NewClientIPResolver(trusted []netip.Prefix) ClientIPResolver {
	out := make([]netip.Prefix, 0, len(trusted))
	for _, p := range trusted {
		if p.IsValid() {
			out = append(out, p.Masked())
		}
	}
	return ClientIPResolver{trusted: out}
}

func (c ClientIPResolver) trusts(addr netip.Addr) bool {
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolve walks X-Forwarded-For from the right and returns the first hop
// that is not a trusted proxy. A malformed hop ends the walk at the last
// address that was accepted.
func (c ClientIPResolver) Resolve(r *http.Request) string {
	remote, ok := remoteAddr(r)
	if !ok {
		return remoteHost(r)
	}
	if !c.trusts(remote) {
		return remote.String()
	}
	client := remote
	hops := forwardedHops(r.Header)
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(hops[i])
		if err != nil {
			break
		}
		client = addr.Unmap()
		if !c.trusts(client) {
			break
		}
	}
	return client.String()
}

func forwardedHops(h http.Header) []string {
	var hops []string
	for _, line := range h.Values(forwardedForHeader) {
		for _, part := range strings.Split(line, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}
	return hops
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func remoteAddr(r *http.Request) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(remoteHost(r))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// ClientIP resolves the caller address once and stores it on the context.
func ClientIP(next http.Handler, resolver ClientIPResolver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey{}, resolver.Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP returns the address stored by ClientIP, or the direct peer.
func clientIP(r *http.Request) string {
	if v, ok := r.Context().Value(clientIPKey{}).(string); ok && v != "" {
		return v
	}
	return remoteHost(r)
}
