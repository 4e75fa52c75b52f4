package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/promptgate/promptgate/internal/identity"
)

const (
	// fingerprintHeader carries the client fingerprint, possibly in its
	// compound form with a rotating challenge suffix.
	fingerprintHeader = "X-Client-Fingerprint"
	// challengeHeader carries the one-time challenge id.
	challengeHeader = "X-Challenge"
	// verificationHeader carries the bot-verification vendor token.
	verificationHeader = "X-Verification-Token"
	// requestIDHeader exposes the correlation id to callers.
	requestIDHeader = "X-Request-ID"
	// internalSecretHeader authenticates the protected pipeline's callbacks.
	internalSecretHeader = "X-Internal-Secret"

	ctxIdentityKey  = "trackingIdentity"
	ctxRequestIDKey = "requestID"
)

// requestContext assigns a correlation id and resolves the stable tracking
// identity once, before any handler builds store keys from it.
func requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Set(ctxRequestIDKey, requestID)
		c.Header(requestIDHeader, requestID)

		id := identity.Stable(c.GetHeader(fingerprintHeader), c.ClientIP())
		c.Set(ctxIdentityKey, id)
		c.Next()
	}
}

// accessLog emits one structured line per request.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"request_id": c.GetString(ctxRequestIDKey),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		}).Info("request")
	}
}

// trackingIdentity returns the identity resolved by requestContext.
func trackingIdentity(c *gin.Context) string {
	return c.GetString(ctxIdentityKey)
}

// internalAuth guards pipeline-only endpoints with a shared secret. The
// reconcile hook adjusts spend ledgers for a caller-named identity, so an
// unauthenticated caller could erase its own daily accumulation; with no
// secret configured the endpoint stays closed.
func internalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(internalSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// adminAuth validates the bearer JWT issued by the login handler.
func adminAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenRaw := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		token, errParse := jwt.Parse(tokenRaw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if errParse != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
