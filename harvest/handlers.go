package harvest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/datafocusmx/renec_backend/config"
	"bitbucket.org/datafocusmx/renec_backend/models"
	"bitbucket.org/datafocusmx/renec_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

func TriggerHarvestHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StartHarvestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var validationErrors validator.ValidationErrors
			if errors.As(err, &validationErrors) {
				c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(validationErrors)})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		// async hands the request to a worker replica via the push
		// subscription instead of running it in-process.
		if strings.EqualFold(strings.TrimSpace(c.Query("async")), "true") {
			if err := PublishHarvestRun(c.Request.Context(), req); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"queued": true, "mode": req.Mode})
			return
		}

		ctx := utils.SetTriggeredByInContext(c.Request.Context(), models.SyncTriggeredManual)
		run, err := coordinator.StartHarvest(ctx, req)
		if err != nil {
			if errors.Is(err, ErrHarvestRunning) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			if errors.Is(err, ErrUnknownComponents) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": run.Id, "mode": run.Mode, "components": run.Components})
	}
}

func StopHarvestHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		runId := strings.TrimSpace(c.Param("id"))
		if err := coordinator.StopHarvest(runId); err != nil {
			if errors.Is(err, ErrNoActiveRun) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func ActiveRunHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		run := coordinator.ActiveRun()
		if run == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active run"})
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func LastRunHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		run := coordinator.LastRun()
		if run == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no finished run"})
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func FreshnessHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := coordinator.Freshness(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func SyncJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		db := config.GetDB().WithContext(c.Request.Context())
		query := db.Order("id desc").Limit(limit)
		if jobType := strings.TrimSpace(c.Query("type")); jobType != "" {
			query = query.Where("job_type = ?", jobType)
		}
		if runId := strings.TrimSpace(c.Query("runId")); runId != "" {
			query = query.Where("harvest_run_id = ?", runId)
		}

		var jobs []models.SyncJob
		if err := query.Find(&jobs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": jobs})
	}
}

func SyncJobDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var job models.SyncJob
		if err := db.Where("id = ?", id).Take(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var jobErrors []models.SyncJobError
		if err := db.Where("sync_job_id = ?", job.ID).Order("id desc").Find(&jobErrors).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"job": job, "errors": jobErrors})
	}
}
