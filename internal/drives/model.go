package drives

import "errors"

var (
	// ErrNotFound indicates that a drive or membership row does not exist.
	ErrNotFound = errors.New("drives: not found")
	// ErrAlreadyMember indicates that the document is already in the drive.
	ErrAlreadyMember = errors.New("drives: document already in drive")
)

// Drive is a named collection of documents, the unit a client syncs as a
// whole.
type Drive struct {
	ID              string  `gorm:"column:id;primaryKey;size:190;not null"`
	Name            string  `gorm:"column:name;size:190;not null"`
	Slug            *string `gorm:"column:slug;size:190;uniqueIndex:idx_drives_slug"`
	IconURL         string  `gorm:"column:icon_url;size:500;not null;default:''"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Drive) TableName() string {
	return "drives"
}

// DriveDocument is one membership row. A document may belong to many
// drives; within one drive it appears at most once.
type DriveDocument struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	DriveID         string `gorm:"column:drive_id;size:190;not null;uniqueIndex:idx_drive_documents_member,priority:1"`
	DocumentID      string `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_drive_documents_member,priority:2"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DriveDocument) TableName() string {
	return "drive_documents"
}
