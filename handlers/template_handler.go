package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/egor/ecochatserver/database"
	"github.com/egor/ecochatserver/models"
)

type templateRequest struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Keywords []string `json:"keywords"`
}

func (r templateRequest) template() models.Template {
	return models.Template{Title: r.Title, Body: r.Body, Keywords: r.Keywords}
}

func templateID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid template id"})
		return 0, false
	}
	return id, true
}

func (g *Gateway) templateError(c *gin.Context, op string, err error) {
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	g.fail(c, op, err)
}

func (g *Gateway) ListTemplates(c *gin.Context) {
	ts, err := g.templates.List(c.Request.Context())
	if err != nil {
		g.fail(c, "list templates", err)
		return
	}
	if ts == nil {
		ts = []models.Template{}
	}
	c.JSON(http.StatusOK, gin.H{"templates": ts})
}

func (g *Gateway) CreateTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	t, err := g.templates.Create(c.Request.Context(), req.template())
	if err != nil {
		g.templateError(c, "create template", err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (g *Gateway) UpdateTemplate(c *gin.Context) {
	id, ok := templateID(c)
	if !ok {
		return
	}
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	t := req.template()
	t.ID = id
	updated, err := g.templates.Update(c.Request.Context(), t)
	if err != nil {
		g.templateError(c, "update template", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (g *Gateway) DeleteTemplate(c *gin.Context) {
	id, ok := templateID(c)
	if !ok {
		return
	}
	if err := g.templates.Delete(c.Request.Context(), id); err != nil {
		g.templateError(c, "delete template", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UseTemplate returns the body an agent drops into the reply draft.
func (g *Gateway) UseTemplate(c *gin.Context) {
	id, ok := templateID(c)
	if !ok {
		return
	}
	body, err := g.templates.Use(c.Request.Context(), id)
	if err != nil {
		g.templateError(c, "use template", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"body": body})
}

// MatchTemplates previews which templates a text would suggest.
func (g *Gateway) MatchTemplates(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": g.templates.Match(req.Text)})
}
