// Package httpapi assembles the gin router for the signaling server.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/famcall/famcall/internal/adapters/poll"
	wssignal "github.com/famcall/famcall/internal/adapters/signal"
	"github.com/famcall/famcall/internal/config"
)

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *wssignal.Controller, ph *poll.Handler) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "service": "famcall-signaling"})
	})

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})
	ph.Register(api.Group("/poll"))

	log.Info().Str("module", "adapters.httpapi").Msg("router setup")
	return r
}
