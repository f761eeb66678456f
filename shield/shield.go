// Package shield provides the HTTP middleware in front of the mtcrawl API:
// security headers, body limits, request ids and basic authentication.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack() {
//	    r.Use(mw)
//	}
//	r.Use(shield.BasicAuth(user, hash, "/healthz"))
package shield

import "net/http"

// DefaultMaxBody bounds request bodies of the API.
const DefaultMaxBody = 64 * 1024

// APIStack returns the standard middleware stack of the API, ordered:
// HeadToGet → SecurityHeaders → MaxBody → RequestID.
func APIStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultMaxBody),
		RequestID,
	}
}
