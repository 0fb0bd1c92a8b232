package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/visualai/lenslike/internal/embedding"
	"github.com/visualai/lenslike/internal/fetch"
	"github.com/visualai/lenslike/internal/logger"
	"github.com/visualai/lenslike/internal/service"
)

// VisualSearcher is the slice of the search service the handler needs.
type VisualSearcher interface {
	Search(ctx context.Context, imageBytes []byte, k int) (*service.SearchResponse, error)
}

// SearchHandler handles visual search endpoints.
type SearchHandler struct {
	searcher VisualSearcher
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(searcher VisualSearcher) *SearchHandler {
	return &SearchHandler{searcher: searcher}
}

// VisualSearch handles POST /api/search/visual. The request is multipart
// form data with the query image in the "image" field.
func (h *SearchHandler) VisualSearch(c *gin.Context) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Image file is required in the 'image' field",
		})
		return
	}
	defer file.Close()

	if header.Size > fetch.MaxImageBytes {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Image exceeds the 10MB size limit",
		})
		return
	}
	if ct := header.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Uploaded file must be an image",
		})
		return
	}

	// header.Size is client-supplied, so the read is capped as well.
	data, err := io.ReadAll(io.LimitReader(file, fetch.MaxImageBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read uploaded image",
		})
		return
	}
	if len(data) > fetch.MaxImageBytes {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Image exceeds the 10MB size limit",
		})
		return
	}

	k := 0
	if raw := c.Query("k"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil {
			k = parsed
		}
	}

	result, err := h.searcher.Search(c.Request.Context(), data, k)
	if err != nil {
		h.writeSearchError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *SearchHandler) writeSearchError(c *gin.Context, err error) {
	ctx := c.Request.Context()
	switch {
	case errors.Is(err, embedding.ErrDecode):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Could not decode the uploaded image",
		})
	case errors.Is(err, embedding.ErrModel), errors.Is(err, embedding.ErrTimeout):
		logger.CtxError(ctx, "Embedding backend unavailable: error=%v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Visual search is temporarily unavailable",
		})
	default:
		logger.CtxError(ctx, "Visual search failed: error=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Search failed",
		})
	}
}
