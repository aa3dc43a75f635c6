package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/bcrypt"
)

// HashToken returns the bcrypt hash to put in server.api_token_hash.
func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// bearerAuth checks "Authorization: Bearer <token>" against a bcrypt hash.
// An empty hash disables the check. The last accepted token is remembered by
// digest so steady clients skip the bcrypt cost.
func bearerAuth(hash string) gin.HandlerFunc {
	if hash == "" {
		return func(c *gin.Context) { c.Next() }
	}
	var accepted atomic.Pointer[[32]byte]
	return func(c *gin.Context) {
		tok, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || tok == "" {
			c.Header("WWW-Authenticate", `Bearer realm="botfleet"`)
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: "authentication required"})
			c.Abort()
			return
		}
		sum := blake3.Sum256([]byte(tok))
		if prev := accepted.Load(); prev != nil && subtle.ConstantTimeCompare(prev[:], sum[:]) == 1 {
			c.Next()
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(tok)) != nil {
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: "invalid credentials"})
			c.Abort()
			return
		}
		accepted.Store(&sum)
		c.Next()
	}
}
