package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/skiptrace/internal/api/middleware"
	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/export"
	"github.com/timmy/skiptrace/internal/service"
)

// TaskService is the task API the handlers drive.
type TaskService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*domain.Task, error)
	Status(ctx context.Context, ownerID, taskID string, afterSeq int) (*service.TaskSnapshot, error)
	List(ctx context.Context, ownerID string, limit, offset int) ([]domain.Task, error)
	Cancel(ctx context.Context, ownerID, taskID string) error
	Results(ctx context.Context, ownerID, taskID string) ([]domain.DetailResult, error)
	Export(ctx context.Context, ownerID, taskID string) (*export.Result, error)
	Account(ctx context.Context, ownerID string, limit int) (*service.AccountSummary, error)
}

// EventSource streams task events.
type EventSource interface {
	Subscribe(taskID string) (<-chan service.Event, func())
}

// heartbeat keeps idle event streams open through proxies.
var heartbeat = 15 * time.Second

// TaskHandler handles task endpoints.
type TaskHandler struct {
	tasks  TaskService
	events EventSource
}

// NewTaskHandler creates a new task handler.
// Parameters:
//   - tasks: task service instance.
//   - events: event hub for streaming progress.
// Returns:
//   - *TaskHandler: initialized handler.
func NewTaskHandler(tasks TaskService, events EventSource) *TaskHandler {
	return &TaskHandler{tasks: tasks, events: events}
}

// ownerID is the caller, set by middleware.RequireOwner on every task and
// account route.
func ownerID(c *gin.Context) string {
	return middleware.GetOwnerID(c)
}

// Submit handles POST /api/v1/tasks.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *TaskHandler) Submit(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}
	// The body cannot bill another account.
	req.OwnerID = ownerID(c)

	task, err := h.tasks.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id": task.ID,
		"status":  task.Status,
	})
}

// List handles GET /api/v1/tasks.
func (h *TaskHandler) List(c *gin.Context) {
	owner := ownerID(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	tasks, err := h.tasks.List(c.Request.Context(), owner, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// Get handles GET /api/v1/tasks/:id. after_seq limits the logs to lines
// the client has not seen yet.
func (h *TaskHandler) Get(c *gin.Context) {
	afterSeq, _ := strconv.Atoi(c.DefaultQuery("after_seq", "0"))
	snap, err := h.tasks.Status(c.Request.Context(), ownerID(c), c.Param("id"), afterSeq)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Cancel handles POST /api/v1/tasks/:id/cancel.
func (h *TaskHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.tasks.Cancel(c.Request.Context(), ownerID(c), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id, "cancel_requested": true})
}

// Results handles GET /api/v1/tasks/:id/results.
func (h *TaskHandler) Results(c *gin.Context) {
	id := c.Param("id")
	results, err := h.tasks.Results(c.Request.Context(), ownerID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if results == nil {
		results = []domain.DetailResult{}
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": id,
		"total":   len(results),
		"results": results,
	})
}

// Export handles GET /api/v1/tasks/:id/export. Uploaded exports answer with
// their URL; otherwise the CSV is the response body.
func (h *TaskHandler) Export(c *gin.Context) {
	res, err := h.tasks.Export(c.Request.Context(), ownerID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if res.URL != "" {
		c.JSON(http.StatusOK, gin.H{"url": res.URL, "filename": res.Filename})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", res.Body)
}

// Events handles GET /api/v1/tasks/:id/events as a server-sent event stream.
// The first event is a snapshot; the stream ends after the done event.
func (h *TaskHandler) Events(c *gin.Context) {
	id := c.Param("id")
	ch, unsubscribe := h.events.Subscribe(id)
	defer unsubscribe()

	snap, err := h.tasks.Status(c.Request.Context(), ownerID(c), id, 0)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", snap.Task)
	if snap.Status.IsTerminal() {
		c.SSEvent(service.EventDone, service.DonePayload{
			Status:       snap.Status,
			TotalResults: snap.TotalResults,
			CreditsUsed:  snap.CreditsUsed,
			Error:        snap.ErrorMessage,
		})
		return
	}
	c.Writer.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Event, ev.Payload)
			return ev.Event != service.EventDone
		case <-ticker.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Account handles GET /api/v1/accounts/:owner. Callers only see their own
// account.
func (h *TaskHandler) Account(c *gin.Context) {
	owner := c.Param("owner")
	if ownerID(c) != owner {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	summary, err := h.tasks.Account(c.Request.Context(), owner, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
