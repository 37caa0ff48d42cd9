package processsvc

import (
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticate wraps next with the auth method configured on cfg. A
// "none" method is a no-op pass-through; any other method refuses with 403
// on failure (spec.md §4.6).
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch cfg.Method {
			case "", "none":
				next.ServeHTTP(w, r)
			case "bearer-jwt":
				if !validBearerJWT(r, cfg) {
					ErrForbidden(w)
					return
				}
				next.ServeHTTP(w, r)
			default:
				if r.Header.Get(cfg.HeaderName) != cfg.Token || cfg.Token == "" {
					ErrForbidden(w)
					return
				}
				next.ServeHTTP(w, r)
			}
		})
	}
}

func validBearerJWT(r *http.Request, cfg AuthConfig) bool {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	tokenString := header[len(prefix):]

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return cfg.JWTSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return false
	}
	return token.Valid
}
