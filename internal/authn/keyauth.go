package authn

import (
	"context"
	"errors"
	"net/http"
	"strings"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/storage"
)

// KeyAuth authenticates inference requests by gateway key. Keys are resolved
// against the store on every request so operator edits (disable, rotate)
// take effect immediately.
type KeyAuth struct {
	store   storage.GatewayKeyStore
	protect *LoginProtection
}

// NewKeyAuth returns a KeyAuth backed by store, guarded by protect.
func NewKeyAuth(store storage.GatewayKeyStore, protect *LoginProtection) *KeyAuth {
	return &KeyAuth{store: store, protect: protect}
}

// extractSecret pulls the gateway key from the request. A Bearer token is
// preferred; x-api-key is the Anthropic-SDK-compatible fallback.
func extractSecret(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if secret := strings.TrimPrefix(h, "Bearer "); secret != h {
			return strings.TrimSpace(secret)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// Authenticate resolves the request's gateway key. Banned IPs fail with
// ErrIPBanned before any key lookup. Missing or unknown keys count as a
// failure against the client IP and return ErrUnauthorized.
func (a *KeyAuth) Authenticate(ctx context.Context, r *http.Request, clientIP string) (*gateway.GatewayKey, error) {
	if a.protect.IsBanned(clientIP) {
		return nil, gateway.ErrIPBanned
	}

	secret := extractSecret(r)
	if secret == "" {
		a.protect.RecordFailure(clientIP)
		return nil, gateway.ErrUnauthorized
	}

	key, err := a.store.GetGatewayKeyBySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			a.protect.RecordFailure(clientIP)
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}
	return key, nil
}
