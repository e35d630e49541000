package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// imageHandler serves issue images through the shared display cache. The
// browser only asks for an image once it scrolls into view.
func (a *App) imageHandler(c *gin.Context) {
	src := strings.TrimSpace(c.Query("src"))
	if src == "" {
		writeAPIError(c, badRequest("src is required"))
		return
	}
	entry, cached, err := a.images.Load(c.Request.Context(), src)
	if err != nil {
		a.log.Warn("image load failed", "src", src, "err", err)
		respondError(c, err)
		return
	}
	if cached {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	c.Header("Cache-Control", "private, max-age=3600")
	c.Header("X-Image-Width", strconv.Itoa(entry.Width))
	c.Header("X-Image-Height", strconv.Itoa(entry.Height))
	c.Data(http.StatusOK, entry.ContentType, entry.Data)
}
