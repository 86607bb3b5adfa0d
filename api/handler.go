package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"medcompress/config"
	"medcompress/orchestrator"
	"medcompress/policy"

	"github.com/gin-gonic/gin"
)

// resultTTL bounds how long terminal results stay retrievable after the
// orchestrator drops the job from its active table.
const resultTTL = 1 * time.Hour

type cachedResult struct {
	result orchestrator.Result
	at     time.Time
}

type Handler struct {
	orch *orchestrator.Orchestrator
	cfg  *config.Config

	mu      sync.Mutex
	results map[string]cachedResult
}

func NewHandler(orch *orchestrator.Orchestrator, cfg *config.Config) *Handler {
	return &Handler{
		orch:    orch,
		cfg:     cfg,
		results: make(map[string]cachedResult),
	}
}

// FileRequest mirrors policy.File on the wire.
type FileRequest struct {
	Name      string `json:"name" binding:"required"`
	Size      int64  `json:"size" binding:"required"`
	MediaType string `json:"mediaType" binding:"required"`
}

// OptionsRequest carries the caller's context hints.
type OptionsRequest struct {
	Device   string `json:"device"`
	Network  string `json:"network"`
	Priority string `json:"priority"`
}

func (r OptionsRequest) toOptions() policy.Options {
	return policy.Options{
		Device:   policy.DeviceClass(r.Device),
		Network:  policy.NetworkClass(r.Network),
		Priority: policy.Priority(r.Priority),
	}
}

type AvailabilityRequest struct {
	File    FileRequest    `json:"file" binding:"required"`
	Options OptionsRequest `json:"options"`
}

type CompressRequest struct {
	File      FileRequest    `json:"file" binding:"required"`
	InputPath string         `json:"inputPath" binding:"required"`
	Options   OptionsRequest `json:"options"`
}

// handleCheckAvailability answers whether compression is possible and
// recommended for a candidate file, without dispatching work.
func (h *Handler) handleCheckAvailability(c *gin.Context) {
	var req AvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	file := policy.File{Name: req.File.Name, Size: req.File.Size, MediaType: req.File.MediaType}
	avail := h.orch.CheckAvailability(c.Request.Context(), file, req.Options.toOptions())
	c.JSON(http.StatusOK, avail)
}

// handleCreateCompression starts an asynchronous compression job. The
// job outlives the request: progress flows over the event stream and
// the terminal result is retrievable by id.
func (h *Handler) handleCreateCompression(c *gin.Context) {
	var req CompressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	file := policy.File{Name: req.File.Name, Size: req.File.Size, MediaType: req.File.MediaType}
	id, done := h.orch.CompressAsync(context.Background(), file, req.InputPath, req.Options.toOptions())

	go func() {
		result := <-done
		h.storeResult(id, result)
	}()

	c.JSON(http.StatusAccepted, gin.H{"compressionId": id})
}

func (h *Handler) handleListCompressions(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.ActiveJobs())
}

// handleGetCompression reports an active job's snapshot, or its terminal
// result if it finished recently.
func (h *Handler) handleGetCompression(c *gin.Context) {
	id := c.Param("id")

	if snap, ok := h.orch.Status(id); ok {
		c.JSON(http.StatusOK, gin.H{"active": true, "job": snap})
		return
	}
	if result, ok := h.loadResult(id); ok {
		c.JSON(http.StatusOK, gin.H{"active": false, "result": result})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "compression not found"})
}

// handleCancelCompression requests cancellation. Cancel is idempotent:
// unknown or already-terminal ids are accepted as a no-op.
func (h *Handler) handleCancelCompression(c *gin.Context) {
	h.orch.Cancel(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"message": "cancellation requested"})
}

type BypassRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) handleActivateBypass(c *gin.Context) {
	var req BypassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.orch.ActivateEmergencyBypass(req.Reason)
	c.JSON(http.StatusOK, gin.H{"message": "emergency bypass activated"})
}

func (h *Handler) handleResetBypass(c *gin.Context) {
	h.orch.ResetEmergencyBypass()
	c.JSON(http.StatusOK, gin.H{"message": "emergency bypass reset"})
}

func (h *Handler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.SystemStatus())
}

func (h *Handler) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.DetailedMetrics())
}

func (h *Handler) storeResult(id string, result orchestrator.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-resultTTL)
	for key, cached := range h.results {
		if cached.at.Before(cutoff) {
			delete(h.results, key)
		}
	}
	h.results[id] = cachedResult{result: result, at: time.Now()}
}

func (h *Handler) loadResult(id string) (orchestrator.Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cached, ok := h.results[id]
	return cached.result, ok
}
