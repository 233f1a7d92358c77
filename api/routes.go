// Package api serves the read-only HTTP view over the catalog.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers the catalog endpoints on r.
//
//	GET /api                            - sync status
//	GET /api/category                   - classifications (?showDisabled)
//	GET /api/product                    - product tree (?showDisabled)
//	GET /api/update                     - updates (?classification, ?product, ?searchString)
//	GET /api/update/:id                 - one update
//	GET /api/update/:id/superseding     - newest update superseding :id
//	GET /metrics                        - prometheus exposition
func RegisterRoutes(r *gin.Engine, h *Handlers, limiter *ClientLimiter) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g := r.Group("/api")
	if limiter != nil {
		g.Use(limiter.Middleware())
	}
	g.GET("", h.HandleStatus)

	data := g.Group("", h.RequireInitialSync())
	data.GET("/category", h.HandleCategories)
	data.GET("/product", h.HandleProducts)
	data.GET("/update", h.HandleUpdates)
	data.GET("/update/:id", h.HandleUpdate)
	data.GET("/update/:id/superseding", h.HandleSuperseding)
}

// NewRouter returns a gin engine with recovery and all catalog routes.
func NewRouter(h *Handlers, limiter *ClientLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))
	RegisterRoutes(r, h, limiter)
	return r
}
