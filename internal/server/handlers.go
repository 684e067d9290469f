package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/enclavekit/enclave/internal/membrane"
	"github.com/enclavekit/enclave/internal/sandbox"
)

type executeRequest struct {
	Script string `json:"script" binding:"required"`
}

type executeResponse struct {
	Value      any                `json:"value,omitempty"`
	Console    []sandbox.LogEntry `json:"console,omitempty"`
	DurationMS int64              `json:"duration_ms"`
	Timers     int                `json:"timers_fired"`
	Error      string             `json:"error,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.metrics.GetSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"requests_total":   snap.TotalRequests,
		"errors_total":     snap.TotalErrors,
		"active_sandboxes": snap.ActiveSandboxes,
		"denials_total":    snap.TotalDenials,
		"terminations":     snap.Terminations,
	})
}

func (s *Server) handleCreateSandbox(c *gin.Context) {
	info, err := s.manager.Create()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleListSandboxes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sandboxes": s.manager.List()})
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "script is required"})
		return
	}

	res, err := s.manager.Execute(c.Request.Context(), c.Param("id"), req.Script)

	resp := executeResponse{}
	if res != nil {
		resp.Value = res.Value
		resp.Console = res.Console
		resp.DurationMS = res.Duration.Milliseconds()
		resp.Timers = res.Timers
	}
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, ErrSandboxNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, sandbox.ErrSandboxTerminated):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, sandbox.ErrExecutionBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case membrane.IsAccessDenied(err):
		resp.Error = err.Error()
		c.JSON(http.StatusForbidden, resp)
	default:
		resp.Error = err.Error()
		c.JSON(http.StatusUnprocessableEntity, resp)
	}
}

func (s *Server) handleTerminateSandbox(c *gin.Context) {
	err := s.manager.Terminate(c.Param("id"))
	if errors.Is(err, ErrSandboxNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminated_at": time.Now().UTC()})
}

func (s *Server) handleListModules(c *gin.Context) {
	modules, err := s.ldr.Modules()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"modules": modules})
}
