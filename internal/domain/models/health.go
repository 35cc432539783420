package models

import (
	"fmt"
	"time"
)

// HealthKind tags the variant carried by a HealthRecord.
type HealthKind string

const (
	HealthMortality   HealthKind = "MORTALITY"
	HealthVaccination HealthKind = "VACCINATION"
	HealthCheckup     HealthKind = "CHECKUP"
	HealthDisease     HealthKind = "DISEASE"
)

// HealthRecord is a flat tagged record: common fields plus optional fields
// that only apply to some kinds.
type HealthRecord struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	FlockID    string     `json:"flock_id"`
	Kind       HealthKind `json:"kind"`
	RecordedAt time.Time  `json:"recorded_at"`
	Notes      string     `json:"notes,omitempty"`

	// MORTALITY
	Count *int    `json:"count,omitempty"`
	Cause *string `json:"cause,omitempty"`

	// VACCINATION
	Vaccine   *string    `json:"vaccine,omitempty"`
	Dose      *string    `json:"dose,omitempty"`
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// DISEASE
	Diagnosis *string `json:"diagnosis,omitempty"`
	Severity  *string `json:"severity,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	SyncState
}

func (HealthRecord) TableName() string { return string(EntityHealthRecord) }

func (h *HealthRecord) RecordID() string      { return h.ID }
func (h *HealthRecord) SetRecordID(id string) { h.ID = id }
func (h *HealthRecord) Touched() time.Time    { return h.UpdatedAt }

// Validate checks that the fields required by the record's kind are present.
func (h *HealthRecord) Validate() error {
	if h.FlockID == "" {
		return fmt.Errorf("%w: flock_id is required", ErrInvalidInput)
	}
	switch h.Kind {
	case HealthMortality:
		if h.Count == nil || *h.Count < 0 {
			return fmt.Errorf("%w: mortality record needs a non-negative count", ErrInvalidInput)
		}
	case HealthVaccination:
		if h.Vaccine == nil || *h.Vaccine == "" {
			return fmt.Errorf("%w: vaccination record needs a vaccine", ErrInvalidInput)
		}
	case HealthDisease:
		if h.Diagnosis == nil || *h.Diagnosis == "" {
			return fmt.Errorf("%w: disease record needs a diagnosis", ErrInvalidInput)
		}
	case HealthCheckup:
	default:
		return fmt.Errorf("%w: unknown health record kind %q", ErrInvalidInput, h.Kind)
	}
	return nil
}

// ProductionRecord captures egg, feed and weight figures for a flock.
type ProductionRecord struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	FlockID    string    `json:"flock_id"`
	RecordedAt time.Time `json:"recorded_at"`
	Eggs       int       `json:"eggs"`
	FeedKg     float64   `json:"feed_kg"`
	AvgWeight  float64   `json:"avg_weight"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	SyncState
}

func (ProductionRecord) TableName() string { return string(EntityProductionRecord) }

func (p *ProductionRecord) RecordID() string      { return p.ID }
func (p *ProductionRecord) SetRecordID(id string) { p.ID = id }
func (p *ProductionRecord) Touched() time.Time    { return p.UpdatedAt }

// Validate checks the flock reference and that no figure is negative.
func (p *ProductionRecord) Validate() error {
	if p.FlockID == "" {
		return fmt.Errorf("%w: flock_id is required", ErrInvalidInput)
	}
	if p.Eggs < 0 || p.FeedKg < 0 || p.AvgWeight < 0 {
		return fmt.Errorf("%w: production figures must not be negative", ErrInvalidInput)
	}
	return nil
}
