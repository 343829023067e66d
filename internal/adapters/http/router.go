// Package http wires the gateway's HTTP surface.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mstegen/relay/internal/adapters/ws"
	"github.com/mstegen/relay/internal/app"
	"github.com/mstegen/relay/internal/config"
)

func SetupRouter(cfg *config.Config, sup *app.Supervisor, ctl *ws.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/ws", ctl.Handle)
	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, sup.Stats())
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
