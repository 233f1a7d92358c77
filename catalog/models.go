package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Category is an update classification such as "Security Updates".
type Category struct {
	ID       uuid.UUID `gorm:"primaryKey;type:text" json:"id"`
	Revision int       `json:"-"`
	Name     string    `json:"name"`
	// Enabled is computed from configuration when the category is read.
	Enabled bool `gorm:"-" json:"enabled"`
}

// Product is a node of the product hierarchy. Several revisions of one id
// may be stored; the highest one is used when the tree is built.
type Product struct {
	ID       uuid.UUID `gorm:"primaryKey;type:text" json:"id"`
	Revision int       `gorm:"primaryKey;autoIncrement:false" json:"-"`
	Name     string    `json:"name"`
	// ParentCategoryIDs are the raw prerequisite ids as the server sent
	// them. The first entry is the parent.
	ParentCategoryIDs []string `gorm:"serializer:json" json:"-"`

	Enabled     bool       `gorm:"-" json:"enabled"`
	Subproducts []*Product `gorm:"-" json:"subproducts"`
}

// Detectoid is kept only so later refreshes can exclude it from the listing.
type Detectoid struct {
	ID       uuid.UUID `gorm:"primaryKey;type:text"`
	Revision int       `gorm:"primaryKey;autoIncrement:false"`
	Name     string
}

type Update struct {
	ID           uuid.UUID `gorm:"primaryKey;type:text" json:"id"`
	Revision     int       `json:"-"`
	Title        string    `json:"title"`
	Description  string    `gorm:"type:text" json:"description"`
	CreationDate time.Time `gorm:"index" json:"creationDate"`
	KBArticleID  string    `json:"kbArticleId"`

	Products       []ProductRef `gorm:"serializer:json" json:"products"`
	Classification *CategoryRef `gorm:"serializer:json" json:"classification,omitempty"`
	// ClassificationID mirrors Classification.ID for filtering; empty when
	// the update has no classification.
	ClassificationID string `gorm:"index;size:36" json:"-"`

	Files []File `gorm:"serializer:json" json:"files"`
	// BundledUpdateIDs is non-empty until the children's files have been
	// copied onto this update.
	BundledUpdateIDs    []uuid.UUID `gorm:"serializer:json" json:"bundledUpdateIds"`
	SupersededUpdateIDs []uuid.UUID `gorm:"serializer:json" json:"supersededUpdateIds"`
}

type ProductRef struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type CategoryRef struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type File struct {
	FileName     string     `json:"fileName"`
	Source       string     `json:"source"`
	ModifiedDate time.Time  `json:"modifiedDate"`
	Digest       FileDigest `json:"digest"`
	Size         int64      `json:"size"`
}

type FileDigest struct {
	Algorithm string `json:"algorithm"`
	HexValue  string `json:"hexValue"`
}

// SyncState is the single persisted row describing past refreshes.
type SyncState struct {
	ID                  uint `gorm:"primaryKey"`
	InitialSyncComplete bool
	LastRefreshAt       time.Time
}

func (SyncState) TableName() string { return "sync_state" }
