package main

import (
	"context"
	"flag"
	"time"

	"bitbucket.org/datafocusmx/renec_backend/config"
	"bitbucket.org/datafocusmx/renec_backend/geocode"
	"github.com/sirupsen/logrus"
)

func main() {
	force := flag.Bool("force", false, "Re-geocode every active center, not just missing/stale ones")
	batchSize := flag.Int("batch-size", 50, "Centers per batch")
	maxAgeDays := flag.Int("max-age-days", 30, "Re-geocode centers resolved longer ago than this")
	timeoutMin := flag.Int("timeout-min", 120, "Abort the pass after this many minutes")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		panic("database not initialized")
	}
	logger := config.GetLogger()
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutMin)*time.Minute)
	defer cancel()

	resolver := geocode.NewResolver(logger)
	result, err := resolver.RunBatch(ctx, geocode.BatchOptions{
		BatchSize: *batchSize,
		MaxAge:    time.Duration(*maxAgeDays) * 24 * time.Hour,
		Force:     *force,
		Progress: func(processed int, total int64) {
			logger.WithFields(logrus.Fields{
				"processed": processed,
				"total":     total,
			}).Info("geocode backfill progress")
		},
	})
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "geocode-backfill"}).Error(err.Error())
	}
	if result != nil {
		logger.WithFields(logrus.Fields{
			"processed": result.Processed,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
		}).Info("geocode backfill finished")
	}
}
