// cmd/middleware/auth.go
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/auth"
	"github.com/jmdall/fileswap/internal/exchange"
)

const (
	callerKey  = "caller"
	creatorKey = "creator_id"
)

// SessionAuth verifies the session bearer token from the Authorization header,
// or from the token query parameter for clients that cannot set headers.
// A route carrying :sessionId must name the token's own session.
func SessionAuth(tokens *auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c.GetHeader("Authorization"))
		if raw == "" {
			raw = c.Query("token")
		}
		claims, err := tokens.ParseSession(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if sid := c.Param("sessionId"); sid != "" && sid != claims.SessionID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token belongs to another session"})
			return
		}
		c.Set(callerKey, exchange.CallerFromClaims(claims))
		c.Next()
	}
}

func bearer(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// CallerFrom returns the identity SessionAuth attached to the request.
func CallerFrom(c *gin.Context) (exchange.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return exchange.Caller{}, false
	}
	caller, ok := v.(exchange.Caller)
	return caller, ok
}

// InitAuth discovers the creator OIDC provider. An empty clientID skips the
// audience check.
func InitAuth(ctx context.Context, issuerURL, clientID string) (*oidc.IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, err
	}
	return provider.Verifier(&oidc.Config{ClientID: clientID, SkipClientIDCheck: clientID == ""}), nil
}

// RequireAuth gates session creation behind an OIDC identity token.
func RequireAuth(verifier *oidc.IDTokenVerifier, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth"})
			return
		}
		tokenStr := bearer(header)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid format"})
			return
		}

		idToken, err := verifier.Verify(c.Request.Context(), tokenStr)
		if err != nil {
			log.Info("creator token rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var claims struct {
			Sub string `json:"sub"`
		}
		if err := idToken.Claims(&claims); err != nil || claims.Sub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "claim parse failed"})
			return
		}

		c.Set(creatorKey, claims.Sub)
		c.Next()
	}
}

// CreatorFrom returns the OIDC subject set by RequireAuth, or "" when the gate is off.
func CreatorFrom(c *gin.Context) string {
	return c.GetString(creatorKey)
}
