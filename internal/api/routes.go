// Package api exposes the dev/debug HTTP surface over a running node: a
// gin router adapted from the teacher's internal/api/routes.go, trading
// Bitcoin forensics endpoints for CoJSON's own admin/debug surface (load,
// create, inspect a CoValue) plus the websocket upgrade endpoint that
// hands a connection to internal/sync.Engine as a new peer.
package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/cojson/internal/node"
	"github.com/rawblock/cojson/internal/transport"
)

// Handler bundles the dependencies every route needs.
type Handler struct {
	node *node.Node
	hub  *transport.Hub
}

// SetupRouter builds the gin engine, wiring CORS, auth and rate limiting
// the same way the teacher's SetupRouter does, over CoJSON's own routes.
func SetupRouter(n *node.Node, hub *transport.Hub, authToken string) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var, same scheme
	// as the teacher's dashboard CORS handling.
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	h := &Handler{node: n, hub: hub}

	pub := r.Group("")
	{
		pub.GET("/healthz", h.handleHealth)
	}

	protected := r.Group("")
	protected.Use(AuthMiddleware(authToken))
	protected.Use(NewRateLimiter(60, 10).Middleware())
	{
		protected.GET("/covalues/:id", h.handleGetCoValue)
		protected.GET("/covalues/:id/known", h.handleGetKnown)
		protected.POST("/covalues", h.handleCreateCoValue)
		protected.GET("/peer", h.handlePeerUpgrade)
	}

	return r
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "operational",
		"account": h.node.Account.String(),
		"peers":   len(h.hub.Peers()),
	})
}
