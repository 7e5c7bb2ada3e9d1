// Package metadata captures per-request client details into the request
// context.
package metadata

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/mssola/useragent"

	"trustcore/pkg/requestcontext"
)

// Resolver derives the client address of a request. Forwarding headers are
// read only when the direct peer falls inside a trusted proxy prefix; with
// no prefixes they are always ignored.
type Resolver struct {
	trusted []netip.Prefix
}

func NewResolver(trustedProxies []netip.Prefix) *Resolver {
	return &Resolver{trusted: trustedProxies}
}

// ClientMetadata stores the client IP, User-Agent and chi request id in the
// context. Apply after chi's RequestID middleware.
func (res *Resolver) ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(), res.ClientIP(r), r.Header.Get("User-Agent"))
		if reqID := chimw.GetReqID(ctx); reqID != "" {
			ctx = requestcontext.WithRequestID(ctx, reqID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the peer address unless the peer is a trusted proxy. In
// that case X-Forwarded-For is walked from the right and the first hop
// outside the trusted prefixes wins; X-Real-IP is the fallback.
func (res *Resolver) ClientIP(r *http.Request) string {
	peer := peerHost(r.RemoteAddr)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !res.isTrusted(addr) {
		return peer
	}

	hops := forwardedHops(r.Header.Values("X-Forwarded-For"))
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(hops[i])
		if err != nil {
			return peer
		}
		if !res.isTrusted(hop) || i == 0 {
			return hop.Unmap().String()
		}
	}
	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}
	return peer
}

func (res *Resolver) isTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range res.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func forwardedHops(values []string) []string {
	var hops []string
	for _, v := range values {
		for hop := range strings.SplitSeq(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

func peerHost(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	if remoteAddr != "" {
		return remoteAddr
	}
	return "unknown"
}

// DeviceLabel summarizes a User-Agent as "<browser> on <os> (<class>)".
// It is descriptive metadata only and never part of trust decisions.
func DeviceLabel(userAgent string) string {
	if userAgent == "" {
		return "unknown"
	}
	ua := useragent.New(userAgent)
	if ua.Bot() {
		return "bot"
	}
	browser, _ := ua.Browser()
	if browser == "" {
		browser = "unknown browser"
	}
	os := ua.OS()
	if os == "" {
		os = "unknown os"
	}
	class := "desktop"
	if ua.Mobile() {
		class = "mobile"
	}
	return browser + " on " + os + " (" + class + ")"
}
