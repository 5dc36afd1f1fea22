package hub

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RoomForWorkspace names the room carrying a workspace's sync events.
func RoomForWorkspace(workspaceID string) string {
	return "workspace:" + workspaceID
}

// connClaims are the JWT claims the product's auth service issues for
// realtime clients. Workspaces limits which rooms the holder may join; an
// empty list grants all rooms (staff tokens).
type connClaims struct {
	jwt.RegisteredClaims
	Workspaces []string `json:"workspaces,omitempty"`
}

func (c *connClaims) workspaceSet() map[string]struct{} {
	if len(c.Workspaces) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(c.Workspaces))
	for _, ws := range c.Workspaces {
		set[RoomForWorkspace(ws)] = struct{}{}
	}
	return set
}

var errNoToken = errors.New("missing bearer token")

// authenticate verifies the request's JWT. With no secret configured the hub
// is open, which only makes sense in development.
func (h *Hub) authenticate(r *http.Request) (*connClaims, error) {
	if h.cfg.JWTSecret == "" {
		return &connClaims{}, nil
	}

	raw := bearerToken(r)
	if raw == "" {
		return nil, errNoToken
	}

	claims := &connClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(h.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// bearerToken pulls the JWT from the Authorization header, falling back to
// the token query parameter for browser websocket clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}
