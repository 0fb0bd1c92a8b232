package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/visualai/lenslike/internal/domain"
	"github.com/visualai/lenslike/internal/index"
	"github.com/visualai/lenslike/internal/logger"
	"github.com/visualai/lenslike/internal/service"
)

// Reindexer is the slice of the reindex service the handler needs.
type Reindexer interface {
	Start(ctx context.Context) (string, error)
	Running() bool
}

// StatusStore exposes the state counters the status endpoint reports.
type StatusStore interface {
	CountUnsearchable(ctx context.Context) (int64, error)
}

// JobReader reads the most recent reindex job record.
type JobReader interface {
	Latest(ctx context.Context) (*domain.ReindexJob, error)
}

// IndexHandler handles index administration endpoints.
type IndexHandler struct {
	reindexer Reindexer
	idx       index.Index
	states    StatusStore
	jobs      JobReader
}

// NewIndexHandler creates a new index admin handler.
func NewIndexHandler(reindexer Reindexer, idx index.Index, states StatusStore, jobs JobReader) *IndexHandler {
	return &IndexHandler{reindexer: reindexer, idx: idx, states: states, jobs: jobs}
}

// Rebuild handles POST /api/index/rebuild. The rebuild runs in the
// background; progress is visible through the status endpoint.
func (h *IndexHandler) Rebuild(c *gin.Context) {
	// Detached from the request context so the rebuild survives the
	// client disconnecting.
	ctx := logger.WithFields(context.Background(), logger.Fields{
		logger.FieldRequestID: logger.GetRequestID(c.Request.Context()),
	})
	jobID, err := h.reindexer.Start(ctx)
	if err != nil {
		if errors.Is(err, service.ErrReindexRunning) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "A reindex job is already running",
			})
			return
		}
		logger.CtxError(c.Request.Context(), "Failed to start reindex: error=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to start reindex",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "accepted",
		"job_id": jobID,
	})
}

// Status handles GET /api/index/status.
func (h *IndexHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	unsearchable, err := h.states.CountUnsearchable(ctx)
	if err != nil {
		logger.CtxWarn(ctx, "Failed to count unsearchable products: error=%v", err)
	}

	status := "ready"
	if h.idx.Size() == 0 {
		status = "not_ready"
	}
	resp := gin.H{
		"status":                status,
		"total_vectors":         h.idx.Size(),
		"unsearchable_products": unsearchable,
		"reindex_running":       h.reindexer.Running(),
	}

	job, err := h.jobs.Latest(ctx)
	if err != nil {
		logger.CtxWarn(ctx, "Failed to load latest reindex job: error=%v", err)
	} else if job != nil {
		lastJob := gin.H{
			"id":              job.ID,
			"status":          job.Status,
			"total_items":     job.TotalItems,
			"processed_items": job.ProcessedItems,
			"failed_items":    job.FailedItems,
		}
		if job.StartedAt != nil {
			lastJob["started_at"] = job.StartedAt.Format(time.RFC3339)
		}
		if job.CompletedAt != nil {
			lastJob["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		}
		if job.ErrorLog != "" {
			lastJob["error"] = job.ErrorLog
		}
		resp["last_job"] = lastJob
	}

	c.JSON(http.StatusOK, resp)
}
