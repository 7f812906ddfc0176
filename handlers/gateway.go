package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/egor/ecochatserver/autoreply"
	"github.com/egor/ecochatserver/metrics"
	"github.com/egor/ecochatserver/middleware"
	"github.com/egor/ecochatserver/presence"
	"github.com/egor/ecochatserver/receipts"
	"github.com/egor/ecochatserver/router"
	websocketpkg "github.com/egor/ecochatserver/websocket"
)

// GatewayConfig holds the transport settings of the gateway.
type GatewayConfig struct {
	AllowedOrigins  []string
	AllowAllOrigins bool
	RateLimit       rate.Limit
	RateBurst       int
}

// Gateway terminates client connections and turns protocol events and REST
// calls into router, receipt and presence operations.
type Gateway struct {
	hub       *websocketpkg.Hub
	router    *router.Router
	receipts  *receipts.Tracker
	presence  *presence.Tracker
	templates *autoreply.Service
	auth      *middleware.Authenticator
	cfg       GatewayConfig
	upgrader  websocket.Upgrader
	log       *zap.Logger
}

// NewGateway wires the gateway and installs its disconnect hook on the hub.
// The hub must not be running yet.
func NewGateway(
	hub *websocketpkg.Hub,
	r *router.Router,
	rt *receipts.Tracker,
	pt *presence.Tracker,
	templates *autoreply.Service,
	auth *middleware.Authenticator,
	cfg GatewayConfig,
	log *zap.Logger,
) *Gateway {
	g := &Gateway{
		hub:       hub,
		router:    r,
		receipts:  rt,
		presence:  pt,
		templates: templates,
		auth:      auth,
		cfg:       cfg,
		log:       log,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	hub.OnLeave(g.clientLeft)
	return g
}

// RegisterRoutes mounts the websocket endpoint and the REST API.
func (g *Gateway) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", g.ServeWs)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	api.GET("/widget/config", g.WidgetConfig)

	authorized := api.Group("/")
	authorized.Use(g.auth.AuthMiddleware())
	{
		convs := authorized.Group("/conversations")
		convs.GET("", g.ListConversations)
		convs.GET("/:identifier/messages", g.GetMessages)
		convs.POST("/:identifier/read", g.MarkRead)
		convs.POST("/:identifier/resolve", g.Resolve)

		tmpl := authorized.Group("/templates")
		tmpl.GET("", g.ListTemplates)
		tmpl.POST("", g.CreateTemplate)
		tmpl.POST("/match", g.MatchTemplates)
		tmpl.POST("/:id/use", g.UseTemplate)
		tmpl.PUT("/:id", g.UpdateTemplate)
		tmpl.DELETE("/:id", g.DeleteTemplate)
	}
}
