package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/egor/ecochatserver/models"
)

// WidgetConfig tells the storefront widget where to connect and whether an
// agent is available right now. All chat data then flows over the websocket.
func (g *Gateway) WidgetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"websocket":   gin.H{"url": "/ws"},
		"adminOnline": g.presence.IsAnyAdminOnline(),
		"limits":      gin.H{"maxAttachments": models.MaxAttachments},
	})
}
