package attachments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase     = errors.New("database handle is required")
	errMissingIDProvider   = errors.New("id provider is required")
	errMissingOperationID  = errors.New("operation identifier is required")
	errMissingAttachmentID = errors.New("attachment identifier is required")
	noOpLogger             = zap.NewNop()
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
	opServiceNew = "attachments.service.new"
	opStore      = "attachments.store"
	opGet        = "attachments.get"
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
	Logger     *zap.Logger
}

// Service stores and serves operation attachments.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
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
		logger:     logger,
	}, nil
}

// Upload is one attachment submitted with an operation append.
type Upload struct {
	ID        string
	MimeType  string
	Filename  string
	Extension string
	Data      []byte
}

// StoreAll persists the uploads for an operation inside the caller's
// transaction, so attachments commit or roll back with their owning
// operation. A repeated content digest within the same operation reuses
// the existing row.
func (s *Service) StoreAll(tx *gorm.DB, operationID string, uploads []Upload) ([]Attachment, error) {
	if operationID == "" {
		s.logError(opStore, "missing_operation_id", errMissingOperationID)
		return nil, newServiceError(opStore, "missing_operation_id", errMissingOperationID)
	}

	stored := make([]Attachment, 0, len(uploads))
	for _, upload := range uploads {
		if len(upload.Data) == 0 {
			return nil, newServiceError(opStore, "missing_data", ErrMissingData)
		}

		digest := ContentHash(upload.Data)
		var existing Attachment
		err := tx.Where("operation_id = ? AND hash = ?", operationID, digest).Take(&existing).Error
		if err == nil {
			stored = append(stored, existing)
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opStore, "dedup_query_failed", err, zap.String("operation_id", operationID))
			return nil, newServiceError(opStore, "dedup_query_failed", err)
		}

		attachmentID := upload.ID
		if attachmentID == "" {
			attachmentID, err = s.idProvider.NewID()
			if err != nil {
				s.logError(opStore, "id_generation_failed", err, zap.String("operation_id", operationID))
				return nil, newServiceError(opStore, "id_generation_failed", err)
			}
		}

		attachment := Attachment{
			ID:              attachmentID,
			OperationID:     operationID,
			Hash:            digest,
			MimeType:        upload.MimeType,
			Filename:        upload.Filename,
			Extension:       upload.Extension,
			Data:            upload.Data,
			CreatedAtMillis: s.clock().UTC().UnixMilli(),
		}
		if err := tx.Create(&attachment).Error; err != nil {
			s.logError(opStore, "attachment_insert_failed", err,
				zap.String("operation_id", operationID),
				zap.String("attachment_id", attachmentID))
			return nil, newServiceError(opStore, "attachment_insert_failed", err)
		}
		stored = append(stored, attachment)
	}
	return stored, nil
}

// Get resolves one attachment of an operation.
func (s *Service) Get(ctx context.Context, operationID, attachmentID string) (Attachment, error) {
	if operationID == "" {
		s.logError(opGet, "missing_operation_id", errMissingOperationID)
		return Attachment{}, newServiceError(opGet, "missing_operation_id", errMissingOperationID)
	}
	if attachmentID == "" {
		s.logError(opGet, "missing_attachment_id", errMissingAttachmentID)
		return Attachment{}, newServiceError(opGet, "missing_attachment_id", errMissingAttachmentID)
	}

	var attachment Attachment
	err := s.db.WithContext(ctx).
		Where("operation_id = ? AND id = ?", operationID, attachmentID).
		Take(&attachment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Attachment{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err,
			zap.String("operation_id", operationID),
			zap.String("attachment_id", attachmentID))
		return Attachment{}, newServiceError(opGet, "query_failed", err)
	}
	return attachment, nil
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
	s.loggerOrDefault().Error("attachments service error", attrs...)
}
