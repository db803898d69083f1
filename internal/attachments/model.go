package attachments

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrNotFound indicates that no attachment matches the requested operation and identifier.
	ErrNotFound = errors.New("attachments: not found")
	// ErrMissingData indicates an attachment submitted without content.
	ErrMissingData = errors.New("attachments: data is required")
)

// Attachment is an immutable binary blob created alongside its owning
// operation. Hash is the SHA-256 content digest; within one operation two
// submissions with the same digest collapse to a single row.
type Attachment struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	OperationID     string `gorm:"column:operation_id;size:190;not null;index:idx_attachments_operation"`
	Hash            string `gorm:"column:hash;size:64;not null;index:idx_attachments_hash"`
	MimeType        string `gorm:"column:mime_type;size:190;not null"`
	Filename        string `gorm:"column:filename;size:190;not null;default:''"`
	Extension       string `gorm:"column:extension;size:32;not null;default:''"`
	Data            []byte `gorm:"column:data;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "attachments"
}

// ContentHash returns the hex SHA-256 digest of an attachment payload.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
