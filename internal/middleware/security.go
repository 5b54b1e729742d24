package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SecurityMiddleware sets security headers and CORS policy on the internal
// admin/health surface. The data-plane listeners (80/443) do not carry these
// headers: their responses are proxied upstream bytes, not rendered by this
// process.
type SecurityMiddleware struct {
	logger        *zap.Logger
	corsOrigins   []string
	enableHSTS    bool
	hstsMaxAge    int
	enableCSP     bool
	cspDirectives string
}

type SecurityConfig struct {
	CORSOrigins   []string
	EnableHSTS    bool
	HSTSMaxAge    int
	EnableCSP     bool
	CSPDirectives string
}

func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		CORSOrigins:   []string{"*"},
		EnableHSTS:    true,
		HSTSMaxAge:    31536000,
		EnableCSP:     true,
		CSPDirectives: "default-src 'self'",
	}
}

func NewSecurityMiddleware(logger *zap.Logger, config *SecurityConfig) *SecurityMiddleware {
	return &SecurityMiddleware{
		logger:        logger,
		corsOrigins:   config.CORSOrigins,
		enableHSTS:    config.EnableHSTS,
		hstsMaxAge:    config.HSTSMaxAge,
		enableCSP:     config.EnableCSP,
		cspDirectives: config.CSPDirectives,
	}
}

func (m *SecurityMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.addSecurityHeaders(c)
		m.handleCORS(c)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (m *SecurityMiddleware) addSecurityHeaders(c *gin.Context) {
	c.Header("X-Frame-Options", "DENY")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

	if m.enableHSTS {
		c.Header("Strict-Transport-Security",
			"max-age="+strconv.Itoa(m.hstsMaxAge)+"; includeSubDomains")
	}
	if m.enableCSP {
		c.Header("Content-Security-Policy", m.cspDirectives)
	}
}

func (m *SecurityMiddleware) handleCORS(c *gin.Context) {
	origin := c.Request.Header.Get("Origin")
	if !m.isOriginAllowed(origin) {
		return
	}

	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Access-Control-Allow-Credentials", "true")
	c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
	c.Header("Access-Control-Max-Age", "86400")
}

func (m *SecurityMiddleware) isOriginAllowed(origin string) bool {
	if len(m.corsOrigins) == 0 {
		return false
	}
	for _, allowed := range m.corsOrigins {
		if allowed == "*" {
			return true
		}
		if strings.HasSuffix(allowed, "*") && strings.HasPrefix(origin, strings.TrimSuffix(allowed, "*")) {
			return true
		}
		if origin == allowed {
			return true
		}
	}
	return false
}
