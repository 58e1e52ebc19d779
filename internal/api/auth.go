package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	errNoCredentials = errors.New("missing API key")
	errBadScheme     = errors.New("authorization must use the Bearer scheme")
)

// bearerKey reads the key from "Authorization: Bearer <key>". Browsers cannot
// set headers on an EventSource, so /events also accepts ?api_key=.
func bearerKey(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		if k := r.URL.Query().Get("api_key"); k != "" && r.URL.Path == "/events" {
			return k, nil
		}
		return "", errNoCredentials
	}

	scheme, key, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errBadScheme
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errNoCredentials
	}
	return key, nil
}

// keyMatches compares in constant time. An empty configured key never matches.
func keyMatches(provided, configured string) bool {
	if configured == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(configured)) == 1
}

// authMiddleware requires a matching bearer key. With no key configured the
// guarded routes are open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key, err := bearerKey(r)
		if err == nil && !keyMatches(key, s.config.APIKey) {
			err = errors.New("invalid API key")
		}
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="placqs"`)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
