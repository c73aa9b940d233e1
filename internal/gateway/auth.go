package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// cookieName is the opaque session cookie minted after JWT verification.
const cookieName = "gateway_session"

// sessionTTL bounds how long a minted cookie session stays valid.
const sessionTTL = 15 * time.Minute

// Claims is the accepted JWT payload.
type Claims struct {
	Sub string
	Sid string
}

// VerifyJWT validates a bearer token: HMAC-SHA-256 only, well-formed, not
// expired. Tokens signed with any other method are rejected outright.
func VerifyJWT(token string, secret []byte) (Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	sid, _ := claims["sid"].(string)
	if sub == "" || sid == "" {
		return Claims{}, fmt.Errorf("token missing sub or sid")
	}
	return Claims{Sub: sub, Sid: sid}, nil
}

type cookieSession struct {
	claims  Claims
	expires time.Time
}

// sessionTable holds minted cookie sessions in memory. Tokens are private to
// one proxy process and never cross proxy boundaries.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]cookieSession
	now      func() time.Time
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		sessions: make(map[string]cookieSession),
		now:      time.Now,
	}
}

// Mint creates an opaque 32-byte hex token bound to the verified claims.
func (t *sessionTable) Mint(claims Claims) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to mint session token: %w", err)
	}
	token := hex.EncodeToString(raw)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[token] = cookieSession{claims: claims, expires: t.now().Add(sessionTTL)}
	t.sweepLocked()
	return token, nil
}

// Lookup resolves a cookie token, dropping it when expired.
func (t *sessionTable) Lookup(token string) (Claims, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.sessions[token]
	if !ok {
		return Claims{}, false
	}
	if t.now().After(entry.expires) {
		delete(t.sessions, token)
		return Claims{}, false
	}
	return entry.claims, true
}

func (t *sessionTable) sweepLocked() {
	now := t.now()
	for token, entry := range t.sessions {
		if now.After(entry.expires) {
			delete(t.sessions, token)
		}
	}
}

// setSessionCookie attaches the opaque token. SameSite=None and Secure are
// required because the sandbox UI is embedded cross-origin.
func setSessionCookie(w http.ResponseWriter, token string) {
	w.Header().Add("Set-Cookie", fmt.Sprintf(
		"%s=%s; Path=/; Max-Age=%d; SameSite=None; Secure",
		cookieName, token, int(sessionTTL.Seconds())))
}
