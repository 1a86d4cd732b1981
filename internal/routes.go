package internal

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"spotthebot/internal/config"
	"spotthebot/internal/friend"
	"spotthebot/internal/invitation"
	"spotthebot/internal/kv"
	"spotthebot/internal/marker"
	"spotthebot/internal/trust"
	"spotthebot/internal/user"
)

// App bundles the game components the HTTP layer serves.
type App struct {
	Users       *user.Store
	Markers     *marker.Store
	Trust       *trust.Updater
	Friends     *friend.Graph
	Invitations *invitation.Store
}

// NewApp builds every component over one store.
func NewApp(store kv.Store, cfg config.Config, log *zap.Logger) (*App, error) {
	users, err := user.New(store, user.Config{
		Expiration: cfg.Users.Expiration,
		Pepper:     []byte(cfg.Users.Pepper),
	}, log)
	if err != nil {
		return nil, err
	}
	return &App{
		Users: users,
		Markers: marker.New(store, marker.Config{
			MaxMarkers: cfg.Markers.MaxMarkers,
			AutoEvict:  cfg.Markers.AutoEvict,
		}, log),
		Trust: trust.New(store, users, trust.Config{
			PenaltyCharge: cfg.Trust.PenaltyCharge,
			PenaltyScale:  cfg.Trust.PenaltyScale,
		}, log),
		Friends:     friend.New(store, users, log),
		Invitations: invitation.New(store, users, invitation.Config{TTL: cfg.Invitations.TTL}, log),
	}, nil
}

func NewRouter(cfg config.Config, app *App, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLog(log))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	secret := cfg.JWTSecret
	limit := RateLimit(newLimiters(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst))

	api := r.Group("/api")
	{
		api.POST("/auth/register", limit, Register(app.Invitations))
		api.POST("/auth/login", limit, Login(app.Users, secret, cfg.CookieSecure, cfg.IsAdmin))
		api.POST("/auth/logout", Logout())

		me := api.Group("", Auth(secret))
		{
			me.GET("/me", Me(app.Users))
			me.PATCH("/me", UpdateMe(app.Users))
			me.DELETE("/me", DeleteMe(app.Users))
			me.GET("/me/stats", Stats(app.Trust))

			me.POST("/rounds/start", StartRound(app.Trust))
			me.POST("/rounds/resolve", ResolveRound(app.Trust, app.Markers))

			me.GET("/markers/best", BestMarkers(app.Markers, cfg.Markers.MinCount))
			me.GET("/markers/worst", WorstMarkers(app.Markers, cfg.Markers.MinCount))
			me.GET("/markers/popular", PopularMarkers(app.Markers))

			me.GET("/friends", Friends(app.Friends))
			me.DELETE("/friends/:id", Unfriend(app.Friends))

			me.POST("/invitations", limit, IssueInvitation(app.Invitations))
			me.POST("/invitations/:token/accept", limit, AcceptInvitation(app.Invitations))
		}

		admin := api.Group("/admin", Auth(secret), RequireAdmin())
		{
			admin.GET("/markers/:label", AdminMarker(app.Markers))
			admin.DELETE("/markers/:label", AdminRemoveMarker(app.Markers))
			admin.POST("/markers/evict", AdminEvict(app.Markers))

			admin.GET("/users/:id", AdminUser(app.Users))
			admin.POST("/users/:id/penalty", AdminSetPenalty(app.Users))
			admin.DELETE("/users/:id", AdminDeleteUser(app.Users))
		}
	}
	return r
}
