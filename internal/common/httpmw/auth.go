package httpmw

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// userIDKey is where the authenticated user id lands in the gin context.
const userIDKey = "auth.userID"

// UserAuth verifies the bearer JWT (HS256, {sub, exp}) issued by the
// platform's auth frontend and stores the subject for handlers. WebSocket
// upgrades may carry the token as ?token= instead of a header.
func UserAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		sub, err := verifyUserToken(token, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(userIDKey, sub)
		c.Next()
	}
}

// OptionalUserAuth verifies the bearer token when one is present but lets
// anonymous requests through. Handlers that accept alternative credentials
// (runner tokens, share links) decide admission for themselves.
func OptionalUserAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			token = c.Query("token")
		}
		if token != "" {
			if sub, err := verifyUserToken(token, secret); err == nil {
				c.Set(userIDKey, sub)
			}
		}
		c.Next()
	}
}

// UserID returns the authenticated user id set by UserAuth.
func UserID(c *gin.Context) string {
	id, _ := c.Get(userIDKey)
	s, _ := id.(string)
	return s
}

func verifyUserToken(token string, secret []byte) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("token missing sub")
	}
	return sub, nil
}
