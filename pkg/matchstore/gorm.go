package matchstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"github.com/synaptica-ai/patient-matching/pkg/match"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type matchModel struct {
	ID                  int64          `gorm:"primaryKey;autoIncrement;column:id"`
	ReferencePatientID  string         `gorm:"column:reference_patient_id;size:255;not null;uniqueIndex:idx_patient_matches_key,priority:1;index"`
	ReferenceServerID   string         `gorm:"column:reference_server_id;size:255;not null;uniqueIndex:idx_patient_matches_key,priority:2"`
	MatchedPatientID    string         `gorm:"column:matched_patient_id;size:255;not null;uniqueIndex:idx_patient_matches_key,priority:3;index"`
	MatchedServerID     string         `gorm:"column:matched_server_id;size:255;not null;uniqueIndex:idx_patient_matches_key,priority:4"`
	ReferencePhenotypes datatypes.JSON `gorm:"column:reference_phenotypes"`
	MatchedPhenotypes   datatypes.JSON `gorm:"column:matched_phenotypes"`
	ReferenceOwnerEmail string         `gorm:"column:reference_owner_email"`
	MatchedOwnerEmail   string         `gorm:"column:matched_owner_email"`
	Score               float64        `gorm:"column:score;index"`
	Notified            bool           `gorm:"column:notified;not null;index"`
	NotifiedAt          *time.Time     `gorm:"column:notified_at"`
	Rejected            bool           `gorm:"column:rejected;not null"`
	RejectedAt          *time.Time     `gorm:"column:rejected_at"`
	FoundAt             time.Time      `gorm:"column:found_at"`
	UpdatedAt           time.Time      `gorm:"column:updated_at"`
}

func (matchModel) TableName() string { return "patient_matches" }

var keyColumns = []clause.Column{
	{Name: "reference_patient_id"},
	{Name: "reference_server_id"},
	{Name: "matched_patient_id"},
	{Name: "matched_server_id"},
}

var refreshColumns = []string{
	"score",
	"reference_phenotypes",
	"matched_phenotypes",
	"reference_owner_email",
	"matched_owner_email",
	"updated_at",
}

// GormStore keeps matches in the platform database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&matchModel{})
}

func (s *GormStore) Save(ctx context.Context, matches []*match.PatientMatch) ([]*match.PatientMatch, error) {
	matches = dedupe(matches)
	if len(matches) == 0 {
		return []*match.PatientMatch{}, nil
	}

	saved := make([]*match.PatientMatch, 0, len(matches))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, m := range matches {
			row, err := toMatchModel(m)
			if err != nil {
				return err
			}
			row.ID = 0
			row.UpdatedAt = now
			if row.FoundAt.IsZero() {
				row.FoundAt = now
			}
			err = tx.Clauses(clause.OnConflict{
				Columns:   keyColumns,
				DoUpdates: clause.AssignmentColumns(refreshColumns),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("upsert match %s: %w", m.Key(), err)
			}

			var stored matchModel
			if err := tx.Where(keyCondition(m.Key())).First(&stored).Error; err != nil {
				return fmt.Errorf("reload match %s: %w", m.Key(), err)
			}
			out, err := mapMatchModel(stored)
			if err != nil {
				return err
			}
			saved = append(saved, out)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *GormStore) LoadByFilter(ctx context.Context, minScore float64, notified bool) ([]*match.PatientMatch, error) {
	var rows []matchModel
	err := s.db.WithContext(ctx).
		Where("score >= ? AND notified = ?", minScore, notified).
		Order("score DESC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return mapMatchModels(rows)
}

func (s *GormStore) LoadByIDs(ctx context.Context, ids []int64) ([]*match.PatientMatch, error) {
	if len(ids) == 0 {
		return []*match.PatientMatch{}, nil
	}
	var rows []matchModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return mapMatchModels(rows)
}

func (s *GormStore) LoadByReferencePatientID(ctx context.Context, patientID string) ([]*match.PatientMatch, error) {
	var rows []matchModel
	err := s.db.WithContext(ctx).
		Where("reference_patient_id = ?", patientID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return mapMatchModels(rows)
}

func (s *GormStore) LoadByMatchedPatientID(ctx context.Context, patientID string) ([]*match.PatientMatch, error) {
	var rows []matchModel
	err := s.db.WithContext(ctx).
		Where("matched_patient_id = ? AND matched_server_id = ?", patientID, match.LocalServerID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return mapMatchModels(rows)
}

func (s *GormStore) RunInTransaction(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, tx.Error)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			logger.Log.WithField("panic", r).Error("match transaction panicked, rolled back")
			err = fmt.Errorf("match transaction panicked: %v", r)
		}
	}()

	if fnErr := fn(&gormTx{db: tx}); fnErr != nil {
		if rbErr := tx.Rollback().Error; rbErr != nil {
			logger.Log.WithError(rbErr).Warn("match transaction rollback failed")
		}
		return fnErr
	}
	if commitErr := tx.Commit().Error; commitErr != nil {
		return fmt.Errorf("%w: %v", ErrCommitFailed, commitErr)
	}
	return nil
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) LockByIDs(ids []int64) ([]*match.PatientMatch, error) {
	if len(ids) == 0 {
		return []*match.PatientMatch{}, nil
	}
	var rows []matchModel
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return mapMatchModels(rows)
}

func (t *gormTx) LockByScope(scope match.Scope) ([]*match.PatientMatch, error) {
	var rows []matchModel
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reference_patient_id = ? AND reference_server_id = ? AND matched_server_id = ?",
			scope.ReferencePatientID, scope.ReferenceServerID, scope.MatchedServerID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return mapMatchModels(rows)
}

func (t *gormTx) MarkNotified(matches []*match.PatientMatch) error {
	now := time.Now().UTC()
	for _, id := range matchIDs(matches) {
		var row matchModel
		err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("match %d: %w", id, ErrMatchNotFound)
		}
		if err != nil {
			return err
		}
		result := t.db.Model(&matchModel{}).
			Where("id = ? AND notified = ?", id, false).
			Updates(map[string]interface{}{"notified": true, "notified_at": now})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("match %d: %w", id, ErrAlreadyNotified)
		}
	}
	return nil
}

func (t *gormTx) MarkRejected(matches []*match.PatientMatch, rejected bool) error {
	ids := matchIDs(matches)
	if len(ids) == 0 {
		return nil
	}
	return t.db.Model(&matchModel{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{"rejected": rejected, "rejected_at": time.Now().UTC()}).Error
}

func (t *gormTx) Delete(matches []*match.PatientMatch) error {
	ids := matchIDs(matches)
	if len(ids) == 0 {
		return nil
	}
	return t.db.Where("id IN ?", ids).Delete(&matchModel{}).Error
}

func keyCondition(k match.Key) map[string]interface{} {
	return map[string]interface{}{
		"reference_patient_id": k.ReferencePatientID,
		"reference_server_id":  k.ReferenceServerID,
		"matched_patient_id":   k.MatchedPatientID,
		"matched_server_id":    k.MatchedServerID,
	}
}

func toMatchModel(m *match.PatientMatch) (matchModel, error) {
	refPhenotypes, err := json.Marshal(nonNil(m.Reference.Phenotypes))
	if err != nil {
		return matchModel{}, err
	}
	matchedPhenotypes, err := json.Marshal(nonNil(m.Matched.Phenotypes))
	if err != nil {
		return matchModel{}, err
	}
	return matchModel{
		ID:                  m.ID,
		ReferencePatientID:  m.Reference.PatientID,
		ReferenceServerID:   m.Reference.ServerID,
		MatchedPatientID:    m.Matched.PatientID,
		MatchedServerID:     m.Matched.ServerID,
		ReferencePhenotypes: datatypes.JSON(refPhenotypes),
		MatchedPhenotypes:   datatypes.JSON(matchedPhenotypes),
		ReferenceOwnerEmail: m.Reference.OwnerEmail,
		MatchedOwnerEmail:   m.Matched.OwnerEmail,
		Score:               m.Score,
		Notified:            m.Notified,
		NotifiedAt:          m.NotifiedAt,
		Rejected:            m.Rejected,
		RejectedAt:          m.RejectedAt,
		FoundAt:             m.FoundAt,
		UpdatedAt:           m.UpdatedAt,
	}, nil
}

func mapMatchModel(row matchModel) (*match.PatientMatch, error) {
	m := &match.PatientMatch{
		ID: row.ID,
		Reference: match.PatientInMatch{
			PatientID:  row.ReferencePatientID,
			ServerID:   row.ReferenceServerID,
			OwnerEmail: row.ReferenceOwnerEmail,
		},
		Matched: match.PatientInMatch{
			PatientID:  row.MatchedPatientID,
			ServerID:   row.MatchedServerID,
			OwnerEmail: row.MatchedOwnerEmail,
		},
		Score:      row.Score,
		Notified:   row.Notified,
		NotifiedAt: row.NotifiedAt,
		Rejected:   row.Rejected,
		RejectedAt: row.RejectedAt,
		FoundAt:    row.FoundAt,
		UpdatedAt:  row.UpdatedAt,
	}
	if len(row.ReferencePhenotypes) > 0 {
		if err := json.Unmarshal(row.ReferencePhenotypes, &m.Reference.Phenotypes); err != nil {
			return nil, fmt.Errorf("decode reference phenotypes of match %d: %w", row.ID, err)
		}
	}
	if len(row.MatchedPhenotypes) > 0 {
		if err := json.Unmarshal(row.MatchedPhenotypes, &m.Matched.Phenotypes); err != nil {
			return nil, fmt.Errorf("decode matched phenotypes of match %d: %w", row.ID, err)
		}
	}
	return m, nil
}

func mapMatchModels(rows []matchModel) ([]*match.PatientMatch, error) {
	out := make([]*match.PatientMatch, 0, len(rows))
	for _, row := range rows {
		m, err := mapMatchModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
