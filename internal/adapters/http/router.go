package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Huddle/internal/adapters/signal"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func SignalOptions(cfg *config.Config) signal.Options {
	return signal.Options{
		QueueSize:  cfg.Signal.QueueSize,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, router *app.Router) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", store))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": router.Sessions.Count()})
	})

	api := r.Group("/api")
	if cfg.Auth.JWTSecret != "" {
		api.Use(JWTAuth(cfg.Auth.JWTSecret))
	} else {
		api.Use(ClientTokenMiddleware())
	}
	log.Info().Str("module", "adapters.http").Bool("jwt", cfg.Auth.JWTSecret != "").Msg("router setup")

	ctrl := signal.NewSignalWSController(router, SignalOptions(cfg))
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("identity", c.GetString(signal.IdentityKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})
	api.GET("/rooms", listRooms(router))
	api.GET("/rooms/:id/members", roomMembers(router))

	return r
}

func listRooms(router *app.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": router.Rooms.List()})
	}
}

func roomMembers(router *app.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := domain.RoomID(c.Param("id"))
		if err := id.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		members := router.Members(id)
		if len(members) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"room": id, "members": members})
	}
}
