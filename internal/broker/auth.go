package broker

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/victorarias/rbroker/internal/logging"
	"github.com/victorarias/rbroker/internal/protocol"
)

type ownerKey struct{}

// basicAuth resolves the caller's identity from HTTP Basic credentials. With
// a secret configured the password must match it; the user name is the
// session owner either way.
func basicAuth(secret string, next http.Handler, logf logging.LogFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if secret != "" {
			if !ok || subtle.ConstantTimeCompare([]byte(password), []byte(secret)) != 1 {
				logf("rejected %s %s from %s: bad credentials", r.Method, r.URL.Path, r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", `Basic realm="rbroker"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if user == "" {
			user = protocol.DefaultUser
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, user)))
	})
}

func ownerFrom(ctx context.Context) string {
	if owner, ok := ctx.Value(ownerKey{}).(string); ok {
		return owner
	}
	return protocol.DefaultUser
}
