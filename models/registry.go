package models

import (
	"context"
	"time"

	"bitbucket.org/datafocusmx/renec_backend/config"
	"github.com/shopspring/decimal"
)

// Entity kinds mirrored from the national registry.
const (
	KindStandard  = "standards"
	KindCertifier = "certifiers"
	KindCenter    = "centers"
)

// Standard is an EC competency standard (e.g. EC0217).
// Code is the natural key assigned by the registry; ID is internal only.
type Standard struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	Code         string     `gorm:"uniqueIndex;size:20;not null" json:"code"`
	Title        string     `gorm:"size:512" json:"title"`
	Level        int        `gorm:"default:0" json:"level"`
	Sector       string     `gorm:"size:255" json:"sector"`
	Committee    string     `gorm:"size:255" json:"committee"`
	Purpose      string     `gorm:"type:text" json:"purpose"`
	PublishedAt  *time.Time `json:"published_at"`
	Vigente      *bool      `gorm:"not null;default:true" json:"vigente"`
	ContentHash  string     `gorm:"size:64;index" json:"content_hash"`
	SourceURL    string     `gorm:"size:512" json:"source_url"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Certifier is an ECE/OC (certifying body).
type Certifier struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	Code         string     `gorm:"uniqueIndex;size:30;not null" json:"code"`
	Name         string     `gorm:"size:512" json:"name"`
	LegalName    string     `gorm:"size:512" json:"legal_name"`
	EntityType   string     `gorm:"size:30" json:"entity_type"`
	ContactEmail string     `gorm:"size:255" json:"contact_email"`
	ContactPhone string     `gorm:"size:30" json:"contact_phone"`
	Active       *bool      `gorm:"not null;default:true" json:"active"`
	ContentHash  string     `gorm:"size:64;index" json:"content_hash"`
	SourceURL    string     `gorm:"size:512" json:"source_url"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EvaluationCenter is a CE. Geocode fields are a derived cache; GeocodedAt
// nil means the center has never been geocoded.
type EvaluationCenter struct {
	ID                uint            `gorm:"primary_key" json:"id"`
	Code              string          `gorm:"uniqueIndex;size:30;not null" json:"code"`
	Name              string          `gorm:"size:512" json:"name"`
	CertifierCode     string          `gorm:"size:30;index" json:"certifier_code"`
	Address           string          `gorm:"size:512" json:"address"`
	Municipality      string          `gorm:"size:100" json:"municipality"`
	State             string          `gorm:"size:100" json:"state"`
	PostalCode        string          `gorm:"size:10" json:"postal_code"`
	Phone             string          `gorm:"size:30" json:"phone"`
	Email             string          `gorm:"size:255" json:"email"`
	Active            *bool           `gorm:"not null;default:true" json:"active"`
	Latitude          decimal.Decimal `gorm:"type:decimal(10,7);default:0" json:"latitude"`
	Longitude         decimal.Decimal `gorm:"type:decimal(10,7);default:0" json:"longitude"`
	GeocodeConfidence float64         `gorm:"default:0" json:"geocode_confidence"`
	GeocodeSource     string          `gorm:"size:30" json:"geocode_source"`
	GeocodedAt        *time.Time      `json:"geocoded_at"`
	ContentHash       string          `gorm:"size:64;index" json:"content_hash"`
	SourceURL         string          `gorm:"size:512" json:"source_url"`
	LastSyncedAt      *time.Time      `json:"last_synced_at"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Accreditation links a certifier to a standard it may certify.
// The row set mirrors the latest harvested list exactly (delete-absent, upsert-present).
type Accreditation struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	CertifierId uint      `gorm:"uniqueIndex:idx_accreditation,priority:1;not null" json:"certifier_id"`
	StandardId  uint      `gorm:"uniqueIndex:idx_accreditation,priority:2;not null" json:"standard_id"`
	Vigente     *bool     `gorm:"not null;default:true" json:"vigente"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CenterOffering links an evaluation center to a standard it evaluates.
type CenterOffering struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	CenterId   uint      `gorm:"uniqueIndex:idx_center_offering,priority:1;not null" json:"center_id"`
	StandardId uint      `gorm:"uniqueIndex:idx_center_offering,priority:2;not null" json:"standard_id"`
	Vigente    *bool     `gorm:"not null;default:true" json:"vigente"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetStandardIdsByCode resolves standard codes to internal ids.
// Codes missing from the mirror are simply absent from the result
// (forward references are dropped by the caller, not errored).
func GetStandardIdsByCode(ctx context.Context, codes []string) (map[string]uint, error) {
	result := make(map[string]uint, len(codes))
	if len(codes) == 0 {
		return result, nil
	}
	db := config.GetDB()
	var rows []Standard
	if err := db.WithContext(ctx).
		Select("id", "code").
		Where("code IN ?", codes).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		result[row.Code] = row.ID
	}
	return result, nil
}

// CountStaleEntities counts rows of a kind whose last_synced_at is older than
// the cutoff (or never set). Used for the data-freshness check.
func CountStaleEntities(ctx context.Context, kind string, cutoff time.Time) (int64, error) {
	db := config.GetDB()
	var count int64
	q := db.WithContext(ctx)
	switch kind {
	case KindStandard:
		q = q.Model(&Standard{})
	case KindCertifier:
		q = q.Model(&Certifier{})
	case KindCenter:
		q = q.Model(&EvaluationCenter{})
	default:
		return 0, nil
	}
	if err := q.Where("last_synced_at IS NULL OR last_synced_at < ?", cutoff).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
