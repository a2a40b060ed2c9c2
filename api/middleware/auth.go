package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Authorizer decides whether a request may use the API
type Authorizer interface {
	Authorize(r *http.Request) bool
}

// StaticTokenAuthorizer accepts requests carrying one of a fixed set of bearer tokens.
// Browsers cannot set headers on WebSocket upgrades, so the access_token query
// parameter is accepted as well.
type StaticTokenAuthorizer struct {
	tokens [][]byte
}

// NewStaticTokenAuthorizer creates an authorizer for tokens
func NewStaticTokenAuthorizer(tokens []string) *StaticTokenAuthorizer {
	a := &StaticTokenAuthorizer{}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

// Authorize implements Authorizer
func (a *StaticTokenAuthorizer) Authorize(r *http.Request) bool {
	token := bearerToken(r)
	if token == "" {
		return false
	}
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare(t, []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// Auth rejects requests the authorizer does not accept. A nil authorizer allows everything.
func Auth(authorizer Authorizer, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authorizer == nil || authorizer.Authorize(c.Request) {
			c.Next()
			return
		}
		log.Warn("Unauthorized request",
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}
