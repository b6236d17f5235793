// Package http exposes the local control API that drives user intent:
// start/end call and the mute, camera and screen toggles.
package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/roster"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func SetupRouter(cfg *config.Config, ctrl *app.Controller, table *roster.Table) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/api")

	api.GET("/call/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctrl.Status())
	})

	api.POST("/call/start", func(c *gin.Context) {
		if err := ctrl.StartCall(); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, ctrl.Status())
	})

	api.POST("/call/end", func(c *gin.Context) {
		ctrl.EndCall()
		c.Status(http.StatusNoContent)
	})

	api.POST("/call/mute", func(c *gin.Context) {
		muted, err := ctrl.ToggleMute()
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"muted": muted})
	})

	api.POST("/call/video", func(c *gin.Context) {
		on, ok := bindToggle(c)
		if !ok {
			return
		}
		if err := ctrl.ToggleVideo(on); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, ctrl.Status())
	})

	api.POST("/call/screen", func(c *gin.Context) {
		on, ok := bindToggle(c)
		if !ok {
			return
		}
		if err := ctrl.ToggleScreenShare(on); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, ctrl.Status())
	})

	api.GET("/roster", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"participants": table.Online()})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

func bindToggle(c *gin.Context) (on bool, ok bool) {
	var req struct {
		On *bool `json:"on"`
	}
	if err := c.BindJSON(&req); err != nil || req.On == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"on\": true|false}"})
		return false, false
	}
	return *req.On, true
}

// respondErr keeps device and permission failures distinct so the caller
// can show an actionable message instead of a generic one.
func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, app.ErrCallActive):
		c.JSON(http.StatusConflict, gin.H{"error": "call already active"})
	case errors.Is(err, app.ErrNoActiveCall):
		c.JSON(http.StatusConflict, gin.H{"error": "no active call"})
	case errors.Is(err, domain.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "device permission denied, grant access and retry"})
	case errors.Is(err, domain.ErrDeviceUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device unavailable, check that it is connected and not in use"})
	case errors.Is(err, domain.ErrCaptureCancelled):
		c.JSON(http.StatusConflict, gin.H{"error": "screen capture cancelled"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
