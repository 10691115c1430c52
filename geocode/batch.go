package geocode

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"bitbucket.org/datafocusmx/renec_backend/config"
	"bitbucket.org/datafocusmx/renec_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// BatchOptions tunes one backfill pass.
type BatchOptions struct {
	// BatchSize is the keyset page size. Defaults to 50.
	BatchSize int

	// MaxAge re-geocodes centers last resolved before now-MaxAge.
	// Defaults to 30 days.
	MaxAge time.Duration

	// Force re-geocodes every active center regardless of state.
	Force bool

	// Progress, when set, is called after each batch.
	Progress func(processed int, total int64)
}

// BatchResult summarizes a backfill pass.
type BatchResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RunBatch geocodes active centers that were never geocoded or whose
// result went stale. Low-confidence and failed lookups stay ungeocoded
// so the next pass retries them.
func (r *Resolver) RunBatch(ctx context.Context, opts BatchOptions) (*BatchResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 30 * 24 * time.Hour
	}
	cutoff := time.Now().Add(-opts.MaxAge)

	db := config.GetDB().WithContext(ctx)
	pending := func() *gorm.DB {
		q := db.Model(&models.EvaluationCenter{}).Where("active = ?", true)
		if !opts.Force {
			q = q.Where("geocoded_at IS NULL OR geocoded_at < ?", cutoff)
		}
		return q
	}

	var total int64
	if err := pending().Count(&total).Error; err != nil {
		return nil, err
	}

	result := &BatchResult{}
	lastId := uint(0)

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		var centers []models.EvaluationCenter
		if err := pending().
			Where("id > ?", lastId).
			Order("id").
			Limit(opts.BatchSize).
			Find(&centers).Error; err != nil {
			return result, err
		}
		if len(centers) == 0 {
			break
		}

		for _, center := range centers {
			lastId = center.ID
			result.Processed++

			res := r.Resolve(ctx, AddressParts{
				Address:      center.Address,
				Municipality: center.Municipality,
				State:        center.State,
				PostalCode:   center.PostalCode,
			})
			if res == nil || res.Confidence < MinConfidence {
				result.Failed++
				continue
			}

			now := time.Now()
			if err := db.Model(&models.EvaluationCenter{}).
				Where("id = ?", center.ID).
				Updates(map[string]interface{}{
					"latitude":           res.Latitude,
					"longitude":          res.Longitude,
					"geocode_confidence": res.Confidence,
					"geocode_source":     res.Source,
					"geocoded_at":        now,
				}).Error; err != nil {
				config.LogError(r.logger, "geocode", "RunBatch", center.Code, nil, err)
				result.Failed++
				continue
			}
			result.Succeeded++
		}

		if opts.Progress != nil {
			opts.Progress(result.Processed, total)
		}
	}

	return result, nil
}

// BatchHandler kicks off a backfill in the background and returns
// immediately. At most one pass runs per instance; overlap is harmless
// but wastes provider quota, so concurrent triggers are rejected.
func BatchHandler(resolver *Resolver, running *int32) gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		force := strings.EqualFold(strings.TrimSpace(c.Query("force")), "true")
		batchSize := 0
		if v := strings.TrimSpace(c.Query("batchSize")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				batchSize = n
			}
		}

		if !atomic.CompareAndSwapInt32(running, 0, 1) {
			c.JSON(http.StatusConflict, gin.H{"error": "a geocode backfill is already running"})
			return
		}

		go func() {
			defer atomic.StoreInt32(running, 0)
			res, err := resolver.RunBatch(context.Background(), BatchOptions{
				BatchSize: batchSize,
				Force:     force,
			})
			if err != nil {
				config.LogError(resolver.logger, "geocode", "BatchHandler", "", nil, err)
				return
			}
			resolver.logger.WithFields(logrus.Fields{
				"module":    "geocode",
				"processed": res.Processed,
				"succeeded": res.Succeeded,
				"failed":    res.Failed,
			}).Info("geocode backfill finished")
		}()

		c.JSON(http.StatusAccepted, gin.H{"started": true})
	})
}
