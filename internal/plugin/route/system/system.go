package system

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/chirino/openmemory-service/internal/registry/route"
)

var ready atomic.Bool

// MarkReady signals that startup has finished and the service can take
// traffic.
func MarkReady() {
	ready.Store(true)
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func readyHandler(c *gin.Context) {
	if !ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 0,
		Type:  registryroute.RouteTypeManagement,
		Loader: func(r *gin.Engine) error {
			r.GET("/health", healthHandler)
			r.GET("/ready", readyHandler)
			r.GET("/metrics", gin.WrapH(promhttp.Handler()))
			return nil
		},
	})
}
