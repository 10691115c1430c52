package scheduler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

func TasksHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"items": s.Status()})
	}
}

func EnableTaskHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.Enable(c.Param("name")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisableTaskHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.Disable(c.Param("name")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

type rescheduleRequest struct {
	Schedule string `json:"schedule" binding:"required"`
}

func RescheduleTaskHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rescheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := s.Reschedule(c.Param("name"), req.Schedule); err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func ForceRunTaskHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Detached so the task outlives the triggering request.
		if err := s.ForceRun(context.Background(), c.Param("name")); err != nil {
			if errors.Is(err, ErrTaskRunning) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
