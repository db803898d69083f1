package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/foldhaus/opfold/internal/reducer"
)

// DefaultScopes are declared for documents created without an explicit
// scope list: an authoritative global scope and a client-only local one.
var DefaultScopes = []string{"global", "local"}

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingRegistry   = errors.New("reducer registry is required")
	errMissingDocumentID = errors.New("document identifier is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "documents.service.new"
	opCreateDocument = "documents.create"
	opGetDocument    = "documents.get"
	opListDocuments  = "documents.list"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Registry   *reducer.Registry
	Logger     *zap.Logger
}

// Service manages the document registry: creating documents with their
// model-derived initial state and resolving them for reads and appends.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	registry   *reducer.Registry
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, "missing_registry", errMissingRegistry)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		registry:   cfg.Registry,
		logger:     logger,
	}, nil
}

// CreateParams describes a new document. ID and Scopes are optional: a
// missing ID is generated, missing scopes default to global and local.
type CreateParams struct {
	ID           string
	DocumentType string
	Name         string
	Slug         string
	Scopes       []string
	Meta         map[string]string
}

// Create registers a document of a known type, seeding its initial state
// from the type's reducer model and assigning the next global ordinal.
func (s *Service) Create(ctx context.Context, params CreateParams) (Document, error) {
	if params.DocumentType == "" {
		s.logError(opCreateDocument, "missing_document_type", ErrInvalidDocumentType)
		return Document{}, newServiceError(opCreateDocument, "missing_document_type", ErrInvalidDocumentType)
	}

	model, err := s.registry.Model(params.DocumentType)
	if err != nil {
		s.logError(opCreateDocument, "unknown_document_type", err, zap.String("document_type", params.DocumentType))
		return Document{}, newServiceError(opCreateDocument, "unknown_document_type", err)
	}

	initialState, err := model.EncodeState(model.InitialState())
	if err != nil {
		s.logError(opCreateDocument, "initial_state_encode_failed", err, zap.String("document_type", params.DocumentType))
		return Document{}, newServiceError(opCreateDocument, "initial_state_encode_failed", err)
	}

	slug, err := validateSlug(params.Slug)
	if err != nil {
		s.logError(opCreateDocument, "invalid_slug", err, zap.String("slug", params.Slug))
		return Document{}, newServiceError(opCreateDocument, "invalid_slug", err)
	}

	documentID := params.ID
	if documentID == "" {
		documentID, err = s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateDocument, "id_generation_failed", err)
			return Document{}, newServiceError(opCreateDocument, "id_generation_failed", err)
		}
	}

	scopes := params.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		s.logError(opCreateDocument, "scopes_encode_failed", err)
		return Document{}, newServiceError(opCreateDocument, "scopes_encode_failed", err)
	}

	metaJSON := ""
	if len(params.Meta) > 0 {
		encoded, err := json.Marshal(params.Meta)
		if err != nil {
			s.logError(opCreateDocument, "meta_encode_failed", err)
			return Document{}, newServiceError(opCreateDocument, "meta_encode_failed", err)
		}
		metaJSON = string(encoded)
	}

	now := s.clock().UTC().UnixMilli()
	document := Document{
		ID:               documentID,
		DocumentType:     params.DocumentType,
		Name:             params.Name,
		InitialStateJSON: string(initialState),
		ScopesJSON:       string(scopesJSON),
		MetaJSON:         metaJSON,
		CreatedAtMillis:  now,
		UpdatedAtMillis:  now,
	}
	if slug != "" {
		document.Slug = &slug
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxOrdinal int64
		if err := tx.Model(&Document{}).
			Select("COALESCE(MAX(ordinal), 0)").
			Scan(&maxOrdinal).Error; err != nil {
			s.logError(opCreateDocument, "ordinal_query_failed", err)
			return newServiceError(opCreateDocument, "ordinal_query_failed", err)
		}
		document.Ordinal = maxOrdinal + 1
		if err := tx.Create(&document).Error; err != nil {
			s.logError(opCreateDocument, "document_insert_failed", err,
				zap.String("document_id", documentID))
			return newServiceError(opCreateDocument, "document_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Document{}, txErr
	}

	return document, nil
}

// Get resolves a document by identifier.
func (s *Service) Get(ctx context.Context, documentID string) (Document, error) {
	if documentID == "" {
		s.logError(opGetDocument, "missing_document_id", errMissingDocumentID)
		return Document{}, newServiceError(opGetDocument, "missing_document_id", errMissingDocumentID)
	}

	var document Document
	err := s.db.WithContext(ctx).Where("id = ?", documentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGetDocument, "query_failed", err, zap.String("document_id", documentID))
		return Document{}, newServiceError(opGetDocument, "query_failed", err)
	}
	return document, nil
}

// GetBySlug resolves a document by its unique slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (Document, error) {
	if slug == "" {
		s.logError(opGetDocument, "missing_slug", ErrInvalidSlug)
		return Document{}, newServiceError(opGetDocument, "missing_slug", ErrInvalidSlug)
	}

	var document Document
	err := s.db.WithContext(ctx).Where("slug = ?", slug).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGetDocument, "query_failed", err, zap.String("slug", slug))
		return Document{}, newServiceError(opGetDocument, "query_failed", err)
	}
	return document, nil
}

// List returns all documents in ordinal order.
func (s *Service) List(ctx context.Context) ([]Document, error) {
	var documents []Document
	if err := s.db.WithContext(ctx).
		Order("ordinal ASC").
		Find(&documents).Error; err != nil {
		s.logError(opListDocuments, "query_failed", err)
		return nil, newServiceError(opListDocuments, "query_failed", err)
	}
	return documents, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents service error", attrs...)
}
