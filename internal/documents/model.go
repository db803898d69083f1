package documents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrNotFound indicates that no document matches the requested identifier or slug.
	ErrNotFound = errors.New("documents: not found")
	// ErrInvalidDocumentType indicates an empty or oversized document type.
	ErrInvalidDocumentType = errors.New("documents: invalid document type")
	// ErrInvalidSlug indicates a slug that is not a short lowercase identifier.
	ErrInvalidSlug = errors.New("documents: invalid slug")
)

// Document is the registry row for one logical document: its type binds it
// to a reducer model, its ordinal orders it among all writes, and its
// initial state seeds replay at index zero.
type Document struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	Ordinal          int64   `gorm:"column:ordinal;not null;uniqueIndex:idx_documents_ordinal"`
	DocumentType     string  `gorm:"column:document_type;size:190;not null"`
	Name             string  `gorm:"column:name;size:190;not null;default:''"`
	Slug             *string `gorm:"column:slug;size:190;uniqueIndex:idx_documents_slug"`
	InitialStateJSON string  `gorm:"column:initial_state_json;type:text;not null"`
	ScopesJSON       string  `gorm:"column:scopes_json;type:text;not null"`
	MetaJSON         string  `gorm:"column:meta_json;type:text;not null;default:''"`
	CreatedAtMillis  int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis  int64   `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Scopes decodes the document's declared scope list.
func (d Document) Scopes() ([]string, error) {
	var scopes []string
	if err := json.Unmarshal([]byte(d.ScopesJSON), &scopes); err != nil {
		return nil, fmt.Errorf("decode document scopes: %w", err)
	}
	return scopes, nil
}

// HasScope reports whether the document declares the given scope.
func (d Document) HasScope(scope string) bool {
	scopes, err := d.Scopes()
	if err != nil {
		return false
	}
	for _, declared := range scopes {
		if declared == scope {
			return true
		}
	}
	return false
}

func validateSlug(rawSlug string) (string, error) {
	trimmed := strings.TrimSpace(rawSlug)
	if trimmed == "" {
		return "", nil
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSlug, maxIdentifierLength)
	}
	for _, char := range trimmed {
		isLower := char >= 'a' && char <= 'z'
		isDigit := char >= '0' && char <= '9'
		if !isLower && !isDigit && char != '-' {
			return "", fmt.Errorf("%w: %q", ErrInvalidSlug, trimmed)
		}
	}
	return trimmed, nil
}
