package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidToken = errors.New("invalid operator token")

// Actor is the operator behind a request. Operators act on the queues of one
// establishment.
type Actor struct {
	EstablishmentID string
}

type authContextKey struct{}

// Authenticator checks bearer tokens of the form "establishmentID:secret"
// against bcrypt hashes configured per establishment.
type Authenticator struct {
	hashes map[string][]byte

	mu       sync.Mutex
	verified map[string]string
}

// NewAuthenticator parses "establishmentID=bcryptHash" entries.
func NewAuthenticator(entries []string) (*Authenticator, error) {
	hashes := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		establishmentID, hash, ok := strings.Cut(entry, "=")
		establishmentID = strings.TrimSpace(establishmentID)
		hash = strings.TrimSpace(hash)
		if !ok || establishmentID == "" || hash == "" {
			return nil, fmt.Errorf("operator token entry %q: want establishmentID=bcryptHash", entry)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("operator token for %s: %w", establishmentID, err)
		}
		hashes[establishmentID] = []byte(hash)
	}
	return &Authenticator{hashes: hashes, verified: make(map[string]string)}, nil
}

func (a *Authenticator) Authenticate(token string) (Actor, error) {
	establishmentID, secret, ok := strings.Cut(token, ":")
	if !ok || establishmentID == "" || secret == "" {
		return Actor{}, ErrInvalidToken
	}

	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])
	a.mu.Lock()
	cached, hit := a.verified[key]
	a.mu.Unlock()
	if hit {
		return Actor{EstablishmentID: cached}, nil
	}

	hash, ok := a.hashes[establishmentID]
	if !ok {
		return Actor{}, ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		return Actor{}, ErrInvalidToken
	}

	a.mu.Lock()
	a.verified[key] = establishmentID
	a.mu.Unlock()
	return Actor{EstablishmentID: establishmentID}, nil
}

// operator rejects requests without a valid operator token. With no
// authenticator configured every request passes unscoped.
func (h *Handler) operator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing operator token")
			return
		}
		actor, err := h.auth.Authenticate(token)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid operator token")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(authContextKey{}).(Actor)
	return actor, ok
}

func requireEstablishment(w http.ResponseWriter, r *http.Request, establishmentID string) bool {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing operator token")
		return false
	}
	if actor.EstablishmentID != establishmentID {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "establishment access denied")
		return false
	}
	return true
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
