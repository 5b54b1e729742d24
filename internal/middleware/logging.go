package middleware

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/temps/edge/internal/logging"
)

// AdminLoggingMiddleware logs requests to the internal admin/health surface
// (see external-interfaces admin listener). It does not run on the data-plane
// listeners (80/443); request logging there is owned by internal/requestlog
// (C6), which is not gin-based.
type AdminLoggingMiddleware struct {
	logger          *zap.Logger
	skipPaths       []string
	slowRequestTime time.Duration
	redactPatterns  []*regexp.Regexp
}

// AdminLoggingConfig configures AdminLoggingMiddleware.
type AdminLoggingConfig struct {
	Level           string
	Environment     string
	SkipPaths       []string
	SlowRequestTime time.Duration
}

func DefaultAdminLoggingConfig() *AdminLoggingConfig {
	return &AdminLoggingConfig{
		Level:           "info",
		Environment:     "development",
		SkipPaths:       []string{"/healthz", "/readyz"},
		SlowRequestTime: 5 * time.Second,
	}
}

func NewAdminLoggingMiddleware(config *AdminLoggingConfig) (*AdminLoggingMiddleware, error) {
	logger, err := logging.CreateLogger(config.Level, config.Environment, nil)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	m := &AdminLoggingMiddleware{
		logger:          logger,
		skipPaths:       config.SkipPaths,
		slowRequestTime: config.SlowRequestTime,
	}
	m.compileRedactPatterns()
	return m, nil
}

func (m *AdminLoggingMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.shouldSkip(c.Request.URL.Path) {
			c.Next()
			return
		}

		start := time.Now()
		requestID := uuid.New().String()
		c.Header("X-Request-ID", requestID)

		reqLogger := m.logger.With(
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", m.redact(c.Request.URL.RawQuery)),
			zap.String("remote_addr", c.ClientIP()),
		)
		c.Set("logger", reqLogger)

		defer func() {
			if err := recover(); err != nil {
				reqLogger.Error("panic recovered",
					zap.Any("error", err),
					zap.Stack("stack"))
				c.AbortWithStatus(500)
			}
		}()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		fields := []zapcore.Field{
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.Int("response_size", c.Writer.Size()),
		}

		switch {
		case status >= 500:
			reqLogger.Error("request completed", fields...)
		case status >= 400:
			reqLogger.Warn("request completed", fields...)
		case latency > m.slowRequestTime:
			reqLogger.Warn("slow request", fields...)
		default:
			reqLogger.Info("request completed", fields...)
		}
	}
}

func (m *AdminLoggingMiddleware) shouldSkip(path string) bool {
	for _, p := range m.skipPaths {
		if path == p || strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (m *AdminLoggingMiddleware) compileRedactPatterns() {
	patterns := []string{
		`Bearer\s+[A-Za-z0-9\-._~+/]+=*`,
		`"password"\s*:\s*"[^"]*"`,
		`"token"\s*:\s*"[^"]*"`,
	}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			m.redactPatterns = append(m.redactPatterns, re)
		}
	}
}

func (m *AdminLoggingMiddleware) redact(input string) string {
	for _, re := range m.redactPatterns {
		input = re.ReplaceAllString(input, "[REDACTED]")
	}
	return input
}

// GetLogger retrieves the request-scoped logger set by Handle.
func GetLogger(c *gin.Context) *zap.Logger {
	if l, ok := c.Get("logger"); ok {
		if logger, ok := l.(*zap.Logger); ok {
			return logger
		}
	}
	return zap.NewNop()
}
