package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func mintJWT(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func TestVerifyJWT(t *testing.T) {
	token := mintJWT(t, testSecret, jwt.MapClaims{
		"sub": "u1", "sid": "s1", "exp": time.Now().Add(time.Minute).Unix(),
	})
	claims, err := VerifyJWT(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Sub)
	assert.Equal(t, "s1", claims.Sid)
}

func TestVerifyJWTRejectsBadTokens(t *testing.T) {
	expired := mintJWT(t, testSecret, jwt.MapClaims{
		"sub": "u1", "sid": "s1", "exp": time.Now().Add(-time.Minute).Unix(),
	})
	_, err := VerifyJWT(expired, testSecret)
	assert.Error(t, err, "expired token must fail")

	wrongKey := mintJWT(t, []byte("other"), jwt.MapClaims{
		"sub": "u1", "sid": "s1", "exp": time.Now().Add(time.Minute).Unix(),
	})
	_, err = VerifyJWT(wrongKey, testSecret)
	assert.Error(t, err, "wrong signing key must fail")

	noSid := mintJWT(t, testSecret, jwt.MapClaims{
		"sub": "u1", "exp": time.Now().Add(time.Minute).Unix(),
	})
	_, err = VerifyJWT(noSid, testSecret)
	assert.Error(t, err, "missing sid must fail")

	noExp := mintJWT(t, testSecret, jwt.MapClaims{"sub": "u1", "sid": "s1"})
	_, err = VerifyJWT(noExp, testSecret)
	assert.Error(t, err, "missing exp must fail")

	_, err = VerifyJWT("not.a.token", testSecret)
	assert.Error(t, err)

	_, err = VerifyJWT("twoparts.only", testSecret)
	assert.Error(t, err)

	// alg=none must never verify.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u1", "sid": "s1", "exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = VerifyJWT(unsigned, testSecret)
	assert.Error(t, err)
}

func TestSessionTableMintAndLookup(t *testing.T) {
	table := newSessionTable()

	token, err := table.Mint(Claims{Sub: "u1", Sid: "s1"})
	require.NoError(t, err)
	assert.Len(t, token, 64, "token is 32 bytes hex")

	claims, ok := table.Lookup(token)
	require.True(t, ok)
	assert.Equal(t, "u1", claims.Sub)

	_, ok = table.Lookup("unknown")
	assert.False(t, ok)
}

func TestSessionTableExpiry(t *testing.T) {
	table := newSessionTable()
	now := time.Now()
	table.now = func() time.Time { return now }

	token, err := table.Mint(Claims{Sub: "u1", Sid: "s1"})
	require.NoError(t, err)

	now = now.Add(sessionTTL + time.Second)
	_, ok := table.Lookup(token)
	assert.False(t, ok, "token past TTL must not resolve")
}

func TestSetSessionCookieFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	token := strings.Repeat("ab", 32)
	setSessionCookie(rec, token)

	cookie := rec.Header().Get("Set-Cookie")
	assert.Equal(t,
		"gateway_session="+token+"; Path=/; Max-Age=900; SameSite=None; Secure",
		cookie)
}
