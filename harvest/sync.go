package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/datafocusmx/renec_backend/config"
	"bitbucket.org/datafocusmx/renec_backend/models"
	"bitbucket.org/datafocusmx/renec_backend/utils"
	"gorm.io/gorm"
)

var ErrHarvestStopped = errors.New("harvest stopped")

// Syncer runs one kind sync end to end: stream records from the
// driver, upsert by natural key with fingerprint change detection,
// reconcile relationship lists, and persist a sync_jobs row with
// per-record error detail.
type Syncer struct {
	drivers map[string]Driver
}

func NewSyncer(drivers ...Driver) *Syncer {
	m := make(map[string]Driver, len(drivers))
	for _, d := range drivers {
		m[d.Kind()] = d
	}
	return &Syncer{drivers: m}
}

func (s *Syncer) Sync(ctx context.Context, run *RunContext, kind string, opts DriverOptions) (*SyncResult, error) {
	driver, ok := s.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("no driver registered for kind %q", kind)
	}

	db := config.GetDB().WithContext(ctx)
	startedAt := time.Now()

	// The job opens pending and flips to running once the driver has a
	// record stream, so a stuck driver is visible in the job history.
	job := models.SyncJob{
		JobType:      kind,
		HarvestRunId: run.RunId(),
		Status:       models.SyncJobStatusPending,
		TriggeredBy:  triggeredBy(ctx),
	}
	if err := db.Create(&job).Error; err != nil {
		return nil, err
	}

	res := &SyncResult{Kind: kind}

	records, err := driver.Harvest(ctx, opts)
	if err != nil {
		s.finishJob(ctx, &job, res, startedAt, models.SyncJobStatusFailed, err.Error())
		return res, err
	}

	if err := db.Model(&job).Updates(map[string]interface{}{
		"status":     models.SyncJobStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		s.finishJob(ctx, &job, res, startedAt, models.SyncJobStatusFailed, err.Error())
		return res, err
	}

	var runErr error
loop:
	for record := range records {
		if run.Cancelled() {
			runErr = ErrHarvestStopped
			break loop
		}
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		default:
		}

		res.Processed++
		if record.Page > res.Pages {
			res.Pages = record.Page
		}
		outcome, key, err := s.syncRecord(ctx, db, kind, record)
		if err != nil {
			res.ErrorCount++
			code := "sync_failed"
			retryable := true
			if errors.Is(err, ErrMissingKey) {
				code = "missing_key"
				retryable = false
			}
			s.recordError(ctx, db, job.ID, kind, key, code, err.Error(), record.Data, retryable)
			continue
		}
		switch outcome {
		case outcomeCreated:
			res.Created++
		case outcomeUpdated:
			res.Updated++
		case outcomeSkipped:
			res.Skipped++
		}
	}

	status := models.SyncJobStatusCompleted
	message := ""
	if runErr != nil {
		status = models.SyncJobStatusFailed
		message = runErr.Error()
	}
	s.finishJob(ctx, &job, res, startedAt, status, message)
	return res, runErr
}

const (
	outcomeCreated = "created"
	outcomeUpdated = "updated"
	outcomeSkipped = "skipped"
)

func (s *Syncer) syncRecord(ctx context.Context, db *gorm.DB, kind string, record Record) (string, string, error) {
	switch kind {
	case models.KindStandard:
		rec, err := normalizeStandard(record.Data)
		if err != nil {
			return "", "", err
		}
		outcome, err := s.syncStandard(ctx, db, rec, record.URL)
		return outcome, rec.Code, err
	case models.KindCertifier:
		rec, err := normalizeCertifier(record.Data)
		if err != nil {
			return "", "", err
		}
		outcome, err := s.syncCertifier(ctx, db, rec, record.URL)
		return outcome, rec.Code, err
	case models.KindCenter:
		rec, err := normalizeCenter(record.Data)
		if err != nil {
			return "", "", err
		}
		outcome, err := s.syncCenter(ctx, db, rec, record.URL)
		return outcome, rec.Code, err
	}
	return "", "", fmt.Errorf("unknown kind %q", kind)
}

func (s *Syncer) syncStandard(ctx context.Context, db *gorm.DB, rec *standardRecord, sourceURL string) (string, error) {
	hash := Fingerprint(rec.fingerprintFields())
	now := time.Now()

	var existing models.Standard
	err := db.Where("code = ?", rec.Code).Take(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
		standard := models.Standard{
			Code:         rec.Code,
			Title:        rec.Title,
			Level:        rec.Level,
			Sector:       rec.Sector,
			Committee:    rec.Committee,
			Purpose:      rec.Purpose,
			PublishedAt:  rec.PublishedAt,
			Vigente:      &rec.Vigente,
			ContentHash:  hash,
			SourceURL:    sourceURL,
			LastSyncedAt: &now,
		}
		if err := db.Create(&standard).Error; err != nil {
			return "", err
		}
		return outcomeCreated, nil
	}

	if existing.ContentHash == hash {
		return outcomeSkipped, nil
	}

	if err := db.Model(&existing).Updates(map[string]interface{}{
		"title":          rec.Title,
		"level":          rec.Level,
		"sector":         rec.Sector,
		"committee":      rec.Committee,
		"purpose":        rec.Purpose,
		"published_at":   rec.PublishedAt,
		"vigente":        rec.Vigente,
		"content_hash":   hash,
		"source_url":     sourceURL,
		"last_synced_at": now,
	}).Error; err != nil {
		return "", err
	}
	return outcomeUpdated, nil
}

func (s *Syncer) syncCertifier(ctx context.Context, db *gorm.DB, rec *certifierRecord, sourceURL string) (string, error) {
	hash := Fingerprint(rec.fingerprintFields())
	now := time.Now()
	outcome := outcomeSkipped

	var existing models.Certifier
	err := db.Where("code = ?", rec.Code).Take(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
		certifier := models.Certifier{
			Code:         rec.Code,
			Name:         rec.Name,
			LegalName:    rec.LegalName,
			EntityType:   rec.EntityType,
			ContactEmail: rec.ContactEmail,
			ContactPhone: rec.ContactPhone,
			Active:       &rec.Active,
			ContentHash:  hash,
			SourceURL:    sourceURL,
			LastSyncedAt: &now,
		}
		if err := db.Create(&certifier).Error; err != nil {
			return "", err
		}
		existing = certifier
		outcome = outcomeCreated
	} else if existing.ContentHash != hash {
		if err := db.Model(&existing).Updates(map[string]interface{}{
			"name":           rec.Name,
			"legal_name":     rec.LegalName,
			"entity_type":    rec.EntityType,
			"contact_email":  rec.ContactEmail,
			"contact_phone":  rec.ContactPhone,
			"active":         rec.Active,
			"content_hash":   hash,
			"source_url":     sourceURL,
			"last_synced_at": now,
		}).Error; err != nil {
			return "", err
		}
		outcome = outcomeUpdated
	}

	// Reconcile even when the entity itself is unchanged. Standards
	// referenced before they existed become resolvable on later runs.
	if err := s.reconcileAccreditations(ctx, db, existing.ID, rec.StandardCodes); err != nil {
		return "", err
	}
	return outcome, nil
}

func (s *Syncer) syncCenter(ctx context.Context, db *gorm.DB, rec *centerRecord, sourceURL string) (string, error) {
	hash := Fingerprint(rec.fingerprintFields())
	now := time.Now()
	outcome := outcomeSkipped

	var existing models.EvaluationCenter
	err := db.Where("code = ?", rec.Code).Take(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
		center := models.EvaluationCenter{
			Code:          rec.Code,
			Name:          rec.Name,
			CertifierCode: rec.CertifierCode,
			Address:       rec.Address,
			Municipality:  rec.Municipality,
			State:         rec.State,
			PostalCode:    rec.PostalCode,
			Phone:         rec.Phone,
			Email:         rec.Email,
			Active:        &rec.Active,
			ContentHash:   hash,
			SourceURL:     sourceURL,
			LastSyncedAt:  &now,
		}
		if err := db.Create(&center).Error; err != nil {
			return "", err
		}
		existing = center
		outcome = outcomeCreated
	} else if existing.ContentHash != hash {
		// Address changes invalidate stored coordinates.
		updates := map[string]interface{}{
			"name":           rec.Name,
			"certifier_code": rec.CertifierCode,
			"address":        rec.Address,
			"municipality":   rec.Municipality,
			"state":          rec.State,
			"postal_code":    rec.PostalCode,
			"phone":          rec.Phone,
			"email":          rec.Email,
			"active":         rec.Active,
			"content_hash":   hash,
			"source_url":     sourceURL,
			"last_synced_at": now,
		}
		if addressChanged(existing, rec) {
			updates["geocoded_at"] = nil
		}
		if err := db.Model(&existing).Updates(updates).Error; err != nil {
			return "", err
		}
		outcome = outcomeUpdated
	}

	if err := s.reconcileOfferings(ctx, db, existing.ID, rec.StandardCodes); err != nil {
		return "", err
	}
	return outcome, nil
}

func addressChanged(existing models.EvaluationCenter, rec *centerRecord) bool {
	return existing.Address != rec.Address ||
		existing.Municipality != rec.Municipality ||
		existing.State != rec.State ||
		existing.PostalCode != rec.PostalCode
}

// reconcileAccreditations makes the certifier's accreditation rows an
// exact mirror of the harvested standard list. Codes for standards not
// yet in the registry are dropped silently.
func (s *Syncer) reconcileAccreditations(ctx context.Context, db *gorm.DB, certifierId uint, codes []string) error {
	wanted, err := resolveStandardIds(ctx, codes)
	if err != nil {
		return err
	}

	var current []models.Accreditation
	if err := db.Where("certifier_id = ?", certifierId).Find(&current).Error; err != nil {
		return err
	}

	currentIds := make([]uint, 0, len(current))
	for _, a := range current {
		currentIds = append(currentIds, a.StandardId)
	}
	toDelete, toCreate := diffRelationshipIds(currentIds, wanted)

	if len(toDelete) > 0 {
		if err := db.Where("certifier_id = ? AND standard_id IN ?", certifierId, toDelete).
			Delete(&models.Accreditation{}).Error; err != nil {
			return err
		}
	}
	// Kept rows are re-marked current so a link that was ever flagged
	// inactive recovers on the next harvest.
	if len(wanted) > 0 {
		if err := db.Model(&models.Accreditation{}).
			Where("certifier_id = ? AND standard_id IN ?", certifierId, wanted).
			Update("vigente", true).Error; err != nil {
			return err
		}
	}
	for _, standardId := range toCreate {
		acc := models.Accreditation{
			CertifierId: certifierId,
			StandardId:  standardId,
			Vigente:     utils.NewTrue(),
		}
		if err := db.Create(&acc).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) reconcileOfferings(ctx context.Context, db *gorm.DB, centerId uint, codes []string) error {
	wanted, err := resolveStandardIds(ctx, codes)
	if err != nil {
		return err
	}

	var current []models.CenterOffering
	if err := db.Where("center_id = ?", centerId).Find(&current).Error; err != nil {
		return err
	}

	currentIds := make([]uint, 0, len(current))
	for _, o := range current {
		currentIds = append(currentIds, o.StandardId)
	}
	toDelete, toCreate := diffRelationshipIds(currentIds, wanted)

	if len(toDelete) > 0 {
		if err := db.Where("center_id = ? AND standard_id IN ?", centerId, toDelete).
			Delete(&models.CenterOffering{}).Error; err != nil {
			return err
		}
	}
	if len(wanted) > 0 {
		if err := db.Model(&models.CenterOffering{}).
			Where("center_id = ? AND standard_id IN ?", centerId, wanted).
			Update("vigente", true).Error; err != nil {
			return err
		}
	}
	for _, standardId := range toCreate {
		offering := models.CenterOffering{
			CenterId:   centerId,
			StandardId: standardId,
			Vigente:    utils.NewTrue(),
		}
		if err := db.Create(&offering).Error; err != nil {
			return err
		}
	}
	return nil
}

func resolveStandardIds(ctx context.Context, codes []string) ([]uint, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	byCode, err := models.GetStandardIdsByCode(ctx, codes)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(byCode))
	for _, code := range codes {
		if id, ok := byCode[code]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// diffRelationshipIds computes the delete and create sets that turn
// the current relationship rows into the wanted ones.
func diffRelationshipIds(current []uint, wanted []uint) (toDelete []uint, toCreate []uint) {
	currentSet := make(map[uint]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}
	wantedSet := make(map[uint]bool, len(wanted))
	for _, id := range wanted {
		wantedSet[id] = true
	}

	for _, id := range current {
		if !wantedSet[id] {
			toDelete = append(toDelete, id)
		}
	}
	for _, id := range wanted {
		if !currentSet[id] {
			toCreate = append(toCreate, id)
		}
	}
	return toDelete, toCreate
}

func (s *Syncer) finishJob(ctx context.Context, job *models.SyncJob, res *SyncResult, startedAt time.Time, status string, message string) {
	db := config.GetDB().WithContext(ctx)
	completedAt := time.Now()
	res.DurationMs = completedAt.Sub(startedAt).Milliseconds()

	if err := db.Model(job).Updates(map[string]interface{}{
		"status":       status,
		"processed":    res.Processed,
		"created":      res.Created,
		"updated":      res.Updated,
		"skipped":      res.Skipped,
		"error_count":  res.ErrorCount,
		"pages":        res.Pages,
		"completed_at": completedAt,
		"duration_ms":  res.DurationMs,
		"message":      message,
	}).Error; err != nil {
		config.LogError(config.GetLogger(), "harvest", "finishJob", job.JobType, nil, err)
	}
}

func (s *Syncer) recordError(ctx context.Context, db *gorm.DB, jobId uint, entityType string, externalKey string, code string, message string, payload RawRecord, retryable bool) {
	payloadJSON, _ := json.Marshal(payload)
	errRec := models.SyncJobError{
		SyncJobId:   jobId,
		EntityType:  entityType,
		ExternalKey: externalKey,
		ErrorCode:   code,
		Message:     message,
		PayloadJSON: payloadJSON,
		Retryable:   retryable,
	}
	if err := db.Create(&errRec).Error; err != nil {
		config.LogError(config.GetLogger(), "harvest", "recordError", entityType, nil, err)
	}
}

func triggeredBy(ctx context.Context) string {
	if v, ok := utils.GetTriggeredByFromContext(ctx); ok && v != "" {
		return v
	}
	return models.SyncTriggeredSystem
}
