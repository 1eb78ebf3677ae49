package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/wanhub/internal/auth"
)

// AdminConfig configures the hub admin HTTP surface.
type AdminConfig struct {
	Node  string
	Token string
	// Validator guards /status when set and takes precedence over Token.
	Validator   auth.Validator
	CORSOrigins []string
	// Status is rendered as JSON on /status.
	Status func() any
}

// NewAdminRouter serves /health, /status and /metrics. /status requires the
// bearer token when one is configured.
func NewAdminRouter(cfg AdminConfig) *gin.Engine {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(InitLogger(cfg.Node)))
	r.Use(RequestMetricsMiddleware(cfg.Node))
	if origins := normalizeOrigins(cfg.CORSOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"node":   cfg.Node,
			"uptime": time.Since(started).String(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	status := r.Group("/")
	switch {
	case cfg.Validator != nil:
		status.Use(RequireToken(cfg.Validator))
	case strings.TrimSpace(cfg.Token) != "":
		status.Use(RequireToken(auth.StaticToken{Token: cfg.Token}))
	}
	status.GET("/status", func(c *gin.Context) {
		var body any = gin.H{}
		if cfg.Status != nil {
			body = cfg.Status()
		}
		c.JSON(http.StatusOK, body)
	})
	return r
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
