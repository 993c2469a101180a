// Package middleware provides request-scoped helpers for the HTTP layer.
package middleware

import (
	"net"
	"net/http"

	"github.com/sorenvik/credvault/internal/audit"
)

// ActorHeader is set by the authentication layer in front of this service.
const ActorHeader = "X-Actor"

// AnonymousActor is used when no identity header is present.
const AnonymousActor = "anonymous"

// ActorFromRequest builds the audit actor for a request: identity from the
// actor header, source address from the connection (chi's RealIP middleware
// has already resolved forwarding headers), and the user agent string.
func ActorFromRequest(r *http.Request) audit.Actor {
	id := r.Header.Get(ActorHeader)
	if id == "" {
		id = AnonymousActor
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return audit.Actor{
		ID:        id,
		SourceIP:  ip,
		UserAgent: r.UserAgent(),
	}
}
