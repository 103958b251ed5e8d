package gateway

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/janusd/janus/internal/engine"
)

// principalHeader carries the authenticated principal's id when the
// upstream auth layer has resolved one. Requests without it are keyed
// by client IP instead — never both.
const principalHeader = "X-Principal-ID"

// denialBody is the 429 payload shape.
type denialBody struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter *int64  `json:"retry_after"`
	ResetAt    *string `json:"reset_at"`
}

func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		if raw != "" {
			path = path + "?" + raw
		}

		logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", latency,
			"client_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
		)
	}
}

// RateLimitMiddleware enforces the policy for classified routes. It
// attaches X-RateLimit headers on both outcomes and converts a denial
// into the 429 payload; unclassified routes cost nothing.
func RateLimitMiddleware(eng *engine.Engine, classifier *Classifier, bypass *Bypass) gin.HandlerFunc {
	return func(c *gin.Context) {
		action, ok := classifier.Action(c.Request.Method, c.FullPath())
		if !ok {
			c.Next()
			return
		}

		addr := c.ClientIP()
		if bypass.Skip(addr, c.Request.UserAgent()) {
			c.Next()
			return
		}

		identifier := c.GetHeader(principalHeader)
		if identifier == "" {
			identifier = addr
		}

		d, err := eng.Enforce(c.Request.Context(), identifier, action, addr)
		for name, value := range engine.Headers(d) {
			c.Header(name, value)
		}

		var limitErr *engine.LimitError
		if errors.As(err, &limitErr) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, denial(d))
			return
		}

		c.Next()
	}
}

// denial renders a decision as the client-facing 429 body.
func denial(d engine.Decision) denialBody {
	body := denialBody{
		Error:   "rate_limited",
		Message: "Too many requests. Please retry later.",
	}
	if d.RetryAfter > 0 {
		secs := int64(math.Ceil(d.RetryAfter.Seconds()))
		body.RetryAfter = &secs
	}
	if !d.ResetAt.IsZero() {
		iso := d.ResetAt.UTC().Format(time.RFC3339)
		body.ResetAt = &iso
	}
	return body
}
