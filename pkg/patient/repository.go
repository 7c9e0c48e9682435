package patient

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type patientModel struct {
	ID         string         `gorm:"primaryKey;column:id"`
	ExternalID string         `gorm:"column:external_id"`
	OwnerEmail string         `gorm:"column:owner_email"`
	Visibility string         `gorm:"column:visibility;index"`
	Consents   datatypes.JSON `gorm:"column:consents"`
	Features   datatypes.JSON `gorm:"column:features"`
	Solved     bool           `gorm:"column:solved"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (patientModel) TableName() string { return "patients" }

// Repository reads patient records from the shared platform database.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&patientModel{})
}

func (r *Repository) ListPatientIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&patientModel{}).
		Order("id ASC").
		Pluck("id", &ids).Error
	return ids, err
}

func (r *Repository) GetPatient(ctx context.Context, id string) (*Patient, error) {
	var row patientModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	return mapPatientModel(row)
}

// Upsert writes a record. The matching service only reads patients; this exists
// for fixtures and for the sync job that mirrors the upstream registry.
func (r *Repository) Upsert(ctx context.Context, p *Patient) error {
	row, err := toPatientModel(p)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(&row).Error
}

func toPatientModel(p *Patient) (patientModel, error) {
	consents, err := json.Marshal(p.Consents)
	if err != nil {
		return patientModel{}, err
	}
	features, err := json.Marshal(p.Features)
	if err != nil {
		return patientModel{}, err
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return patientModel{
		ID:         p.ID,
		ExternalID: p.ExternalID,
		OwnerEmail: p.OwnerEmail,
		Visibility: string(p.Visibility),
		Consents:   datatypes.JSON(consents),
		Features:   datatypes.JSON(features),
		Solved:     p.Solved,
		UpdatedAt:  updated,
	}, nil
}

func mapPatientModel(row patientModel) (*Patient, error) {
	p := &Patient{
		ID:         row.ID,
		ExternalID: row.ExternalID,
		OwnerEmail: row.OwnerEmail,
		Visibility: Visibility(row.Visibility),
		Solved:     row.Solved,
		UpdatedAt:  row.UpdatedAt,
	}
	if len(row.Consents) > 0 {
		if err := json.Unmarshal(row.Consents, &p.Consents); err != nil {
			return nil, err
		}
	}
	if len(row.Features) > 0 {
		if err := json.Unmarshal(row.Features, &p.Features); err != nil {
			return nil, err
		}
	}
	return p, nil
}
