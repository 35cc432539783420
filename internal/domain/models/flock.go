package models

import "time"

// Flock is a managed group of birds tracked as a unit with optional parentage.
type Flock struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	OwnerID   string    `json:"owner_id"`
	FatherID  *string   `json:"father_id,omitempty"`
	MotherID  *string   `json:"mother_id,omitempty"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Breed     string    `json:"breed"`
	Weight    float64   `json:"weight"`
	Certified bool      `json:"certified"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	SyncState
}

func (Flock) TableName() string { return string(EntityFlock) }

func (f *Flock) RecordID() string      { return f.ID }
func (f *Flock) SetRecordID(id string) { f.ID = id }
func (f *Flock) Touched() time.Time    { return f.UpdatedAt }

// ParentID returns the flock's parent of the given kind, if any.
func (f *Flock) ParentID(kind ParentKind) *string {
	if kind == ParentFather {
		return f.FatherID
	}
	return f.MotherID
}

// ParentKind is the relationship a lineage link expresses.
type ParentKind string

const (
	ParentFather ParentKind = "FATHER"
	ParentMother ParentKind = "MOTHER"
)

// Valid reports whether k is a known relationship.
func (k ParentKind) Valid() bool {
	return k == ParentFather || k == ParentMother
}

// LineageLink is a directed parent -> child edge between two flocks.
type LineageLink struct {
	ID        string     `json:"id" gorm:"primaryKey"`
	ChildID   string     `json:"child_id"`
	ParentID  string     `json:"parent_id"`
	Kind      ParentKind `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SyncState
}

func (LineageLink) TableName() string { return string(EntityLineageLink) }

func (l *LineageLink) RecordID() string      { return l.ID }
func (l *LineageLink) SetRecordID(id string) { l.ID = id }
func (l *LineageLink) Touched() time.Time    { return l.UpdatedAt }
