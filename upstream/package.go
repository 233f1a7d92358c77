package upstream

import (
	"time"

	"github.com/google/uuid"
)

// PackageIdentity is the natural key of a remote package. Several identities
// may share one ID; the highest Revision is authoritative.
type PackageIdentity struct {
	ID       uuid.UUID
	Revision int
}

type PackageKind int

const (
	KindUnknown PackageKind = iota
	KindClassification
	KindProduct
	KindDetectoid
	KindSoftwareUpdate
	KindDriver
)

func (k PackageKind) String() string {
	switch k {
	case KindClassification:
		return "classification"
	case KindProduct:
		return "product"
	case KindDetectoid:
		return "detectoid"
	case KindSoftwareUpdate:
		return "software_update"
	case KindDriver:
		return "driver"
	default:
		return "unknown"
	}
}

// Package is one decoded metadata record returned by GetUpdateData.
type Package struct {
	Identity    PackageIdentity
	Kind        PackageKind
	Title       string
	Description string
	// CreationDate is zero when the metadata carries none or it is malformed.
	CreationDate time.Time
	KBArticleID  string
	// CategoryIDs are the raw category prerequisite ids in document order.
	// For product categories the first entry is the parent.
	CategoryIDs   []string
	BundledIDs    []uuid.UUID
	SupersededIDs []uuid.UUID
	Files         []File
}

type File struct {
	FileName     string
	Source       string
	ModifiedDate time.Time
	Digest       FileDigest
	Size         int64
}

type FileDigest struct {
	Algorithm string
	HexValue  string
}

// UpdateFilter restricts an update listing to the given products and
// classifications.
type UpdateFilter struct {
	ProductIDs        []uuid.UUID
	ClassificationIDs []uuid.UUID
}

// Progress is reported during metadata retrieval. It is informational only.
type Progress struct {
	Current int
	Total   int
}

type ProgressFunc func(Progress)
