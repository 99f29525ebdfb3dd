package api

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/AtRiskMedia/surveykiosk-go/config"
	"github.com/AtRiskMedia/surveykiosk-go/logging"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
)

// clientDisconnected reports whether err is one of the network errors raised
// when the kiosk frontend drops a request mid-flight. Kiosk browsers abandon
// in-flight asset requests on every screen transition, so these are expected
// and kept out of the request log.
func clientDisconnected(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	// net/http wraps the syscall error in a *net.OpError on the write path.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.EPIPE) || errors.Is(opErr.Err, syscall.ECONNRESET) {
			return true
		}
	}

	return strings.Contains(strings.ToLower(err.Error()), "broken pipe")
}

// RequestLogger logs one line per completed request on the system channel,
// skipping client disconnects.
func RequestLogger(logger *logging.ChanneledLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}

		c.Next()

		lastError := c.Errors.Last()
		if lastError != nil && clientDisconnected(lastError.Err) {
			return
		}

		attrs := []any{
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"clientIp", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
		}
		if lastError != nil {
			attrs = append(attrs, "error", lastError.Error())
			logger.System().Warn("Request completed", attrs...)
			return
		}
		logger.System().Info("Request completed", attrs...)
	}
}

// AuthRequired validates the Bearer token on operator-only routes.
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(config.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Next()
	}
}
