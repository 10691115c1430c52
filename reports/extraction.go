package reports

import (
	"context"
	"time"

	"bitbucket.org/datafocusmx/renec_backend/config"
	"bitbucket.org/datafocusmx/renec_backend/models"
)

// KindCoverage is one entity kind's slice of the extraction report.
type KindCoverage struct {
	Kind   string `json:"kind"`
	Total  int64  `json:"total"`
	Active int64  `json:"active"`
	Stale  int64  `json:"stale"`
}

// ExtractionReport summarizes mirror coverage after harvesting.
type ExtractionReport struct {
	GeneratedAt     time.Time        `json:"generatedAt"`
	Kinds           []KindCoverage   `json:"kinds"`
	Accreditations  int64            `json:"accreditations"`
	CenterOfferings int64            `json:"centerOfferings"`
	GeocodedCenters int64            `json:"geocodedCenters"`
	PendingGeocode  int64            `json:"pendingGeocode"`
	RecentJobs      []models.SyncJob `json:"recentJobs"`
}

const reportCacheKey = "renec:report:extraction"

// BuildExtractionReport assembles the coverage report, served from
// redis for ten minutes between rebuilds.
func BuildExtractionReport(ctx context.Context) (*ExtractionReport, error) {
	var cached ExtractionReport
	if found, err := config.GetRedisObject(reportCacheKey, &cached); err == nil && found {
		return &cached, nil
	}

	db := config.GetDB().WithContext(ctx)
	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	report := &ExtractionReport{GeneratedAt: time.Now()}

	counters := []struct {
		kind  string
		model interface{}
	}{
		{models.KindStandard, &models.Standard{}},
		{models.KindCertifier, &models.Certifier{}},
		{models.KindCenter, &models.EvaluationCenter{}},
	}
	for _, counter := range counters {
		coverage := KindCoverage{Kind: counter.kind}
		if err := db.Model(counter.model).Count(&coverage.Total).Error; err != nil {
			return nil, err
		}
		activeColumn := "active"
		if counter.kind == models.KindStandard {
			activeColumn = "vigente"
		}
		if err := db.Model(counter.model).
			Where(activeColumn+" = ?", true).
			Count(&coverage.Active).Error; err != nil {
			return nil, err
		}
		stale, err := models.CountStaleEntities(ctx, counter.kind, cutoff)
		if err != nil {
			return nil, err
		}
		coverage.Stale = stale
		report.Kinds = append(report.Kinds, coverage)
	}

	if err := db.Model(&models.Accreditation{}).Count(&report.Accreditations).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.CenterOffering{}).Count(&report.CenterOfferings).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.EvaluationCenter{}).
		Where("geocoded_at IS NOT NULL").
		Count(&report.GeocodedCenters).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.EvaluationCenter{}).
		Where("active = ? AND geocoded_at IS NULL", true).
		Count(&report.PendingGeocode).Error; err != nil {
		return nil, err
	}

	if err := db.Order("id desc").Limit(10).Find(&report.RecentJobs).Error; err != nil {
		return nil, err
	}

	_ = config.SetRedisObject(reportCacheKey, report, 10*time.Minute)
	return report, nil
}
