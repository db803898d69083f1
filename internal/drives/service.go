package drives

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/foldhaus/opfold/internal/documents"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDriveID    = errors.New("drive identifier is required")
	errMissingDriveName  = errors.New("drive name is required")
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
	opServiceNew     = "drives.service.new"
	opCreateDrive    = "drives.create"
	opGetDrive       = "drives.get"
	opListDrives     = "drives.list"
	opAddDocument    = "drives.add_document"
	opRemoveDocument = "drives.remove_document"
	opListDocuments  = "drives.list_documents"
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
	Documents  *documents.Service
	Logger     *zap.Logger
}

// Service manages drives and their document memberships.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	documents  *documents.Service
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
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
		documents:  cfg.Documents,
		logger:     logger,
	}, nil
}

// CreateParams describes a new drive. A missing ID is generated.
type CreateParams struct {
	ID      string
	Name    string
	Slug    string
	IconURL string
}

// Create registers a drive.
func (s *Service) Create(ctx context.Context, params CreateParams) (Drive, error) {
	if params.Name == "" {
		s.logError(opCreateDrive, "missing_name", errMissingDriveName)
		return Drive{}, newServiceError(opCreateDrive, "missing_name", errMissingDriveName)
	}

	driveID := params.ID
	if driveID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateDrive, "id_generation_failed", err)
			return Drive{}, newServiceError(opCreateDrive, "id_generation_failed", err)
		}
		driveID = generated
	}

	drive := Drive{
		ID:              driveID,
		Name:            params.Name,
		IconURL:         params.IconURL,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	if params.Slug != "" {
		slug := params.Slug
		drive.Slug = &slug
	}

	if err := s.db.WithContext(ctx).Create(&drive).Error; err != nil {
		s.logError(opCreateDrive, "drive_insert_failed", err, zap.String("drive_id", driveID))
		return Drive{}, newServiceError(opCreateDrive, "drive_insert_failed", err)
	}
	return drive, nil
}

// Get resolves a drive by identifier.
func (s *Service) Get(ctx context.Context, driveID string) (Drive, error) {
	if driveID == "" {
		s.logError(opGetDrive, "missing_drive_id", errMissingDriveID)
		return Drive{}, newServiceError(opGetDrive, "missing_drive_id", errMissingDriveID)
	}

	var drive Drive
	err := s.db.WithContext(ctx).Where("id = ?", driveID).Take(&drive).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Drive{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGetDrive, "query_failed", err, zap.String("drive_id", driveID))
		return Drive{}, newServiceError(opGetDrive, "query_failed", err)
	}
	return drive, nil
}

// List returns all drives, oldest first.
func (s *Service) List(ctx context.Context) ([]Drive, error) {
	var all []Drive
	if err := s.db.WithContext(ctx).
		Order("created_at_ms ASC").
		Find(&all).Error; err != nil {
		s.logError(opListDrives, "query_failed", err)
		return nil, newServiceError(opListDrives, "query_failed", err)
	}
	return all, nil
}

// AddDocument puts a document into a drive. Both must exist; adding the
// same document twice returns ErrAlreadyMember.
func (s *Service) AddDocument(ctx context.Context, driveID, documentID string) (DriveDocument, error) {
	if driveID == "" {
		s.logError(opAddDocument, "missing_drive_id", errMissingDriveID)
		return DriveDocument{}, newServiceError(opAddDocument, "missing_drive_id", errMissingDriveID)
	}
	if documentID == "" {
		s.logError(opAddDocument, "missing_document_id", errMissingDocumentID)
		return DriveDocument{}, newServiceError(opAddDocument, "missing_document_id", errMissingDocumentID)
	}

	if _, err := s.Get(ctx, driveID); err != nil {
		return DriveDocument{}, err
	}
	if s.documents != nil {
		if _, err := s.documents.Get(ctx, documentID); err != nil {
			if errors.Is(err, documents.ErrNotFound) {
				return DriveDocument{}, ErrNotFound
			}
			return DriveDocument{}, err
		}
	}

	membershipID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAddDocument, "id_generation_failed", err)
		return DriveDocument{}, newServiceError(opAddDocument, "id_generation_failed", err)
	}

	membership := DriveDocument{
		ID:              membershipID,
		DriveID:         driveID,
		DocumentID:      documentID,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&DriveDocument{}).
			Where("drive_id = ? AND document_id = ?", driveID, documentID).
			Count(&count).Error; err != nil {
			s.logError(opAddDocument, "membership_query_failed", err,
				zap.String("drive_id", driveID),
				zap.String("document_id", documentID))
			return newServiceError(opAddDocument, "membership_query_failed", err)
		}
		if count > 0 {
			return ErrAlreadyMember
		}
		if err := tx.Create(&membership).Error; err != nil {
			s.logError(opAddDocument, "membership_insert_failed", err,
				zap.String("drive_id", driveID),
				zap.String("document_id", documentID))
			return newServiceError(opAddDocument, "membership_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return DriveDocument{}, txErr
	}
	return membership, nil
}

// RemoveDocument takes a document out of a drive. The document itself and
// its operation history are untouched.
func (s *Service) RemoveDocument(ctx context.Context, driveID, documentID string) error {
	if driveID == "" {
		s.logError(opRemoveDocument, "missing_drive_id", errMissingDriveID)
		return newServiceError(opRemoveDocument, "missing_drive_id", errMissingDriveID)
	}
	if documentID == "" {
		s.logError(opRemoveDocument, "missing_document_id", errMissingDocumentID)
		return newServiceError(opRemoveDocument, "missing_document_id", errMissingDocumentID)
	}

	result := s.db.WithContext(ctx).
		Where("drive_id = ? AND document_id = ?", driveID, documentID).
		Delete(&DriveDocument{})
	if result.Error != nil {
		s.logError(opRemoveDocument, "membership_delete_failed", result.Error,
			zap.String("drive_id", driveID),
			zap.String("document_id", documentID))
		return newServiceError(opRemoveDocument, "membership_delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDocuments returns the documents in a drive, in the order they were
// added.
func (s *Service) ListDocuments(ctx context.Context, driveID string) ([]documents.Document, error) {
	if driveID == "" {
		s.logError(opListDocuments, "missing_drive_id", errMissingDriveID)
		return nil, newServiceError(opListDocuments, "missing_drive_id", errMissingDriveID)
	}
	if _, err := s.Get(ctx, driveID); err != nil {
		return nil, err
	}

	var members []documents.Document
	if err := s.db.WithContext(ctx).
		Joins("JOIN drive_documents ON drive_documents.document_id = documents.id").
		Where("drive_documents.drive_id = ?", driveID).
		Order("drive_documents.created_at_ms ASC").
		Find(&members).Error; err != nil {
		s.logError(opListDocuments, "query_failed", err, zap.String("drive_id", driveID))
		return nil, newServiceError(opListDocuments, "query_failed", err)
	}
	return members, nil
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
	s.loggerOrDefault().Error("drives service error", attrs...)
}
