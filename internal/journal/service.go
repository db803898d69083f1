package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/foldhaus/opfold/internal/attachments"
	"github.com/foldhaus/opfold/internal/documents"
	"github.com/foldhaus/opfold/internal/reducer"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingRegistry   = errors.New("reducer registry is required")
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
	opServiceNew     = "journal.service.new"
	opAppend         = "journal.append"
	opHeadIndex      = "journal.head_index"
	opEnsureUnit     = "journal.ensure_unit"
	opListUnits      = "journal.list_units"
	opListOperations = "journal.list_operations"
	opGetState       = "journal.get_state"
	opVerify         = "journal.verify"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Registry    *reducer.Registry
	Attachments *attachments.Service
	Logger      *zap.Logger
}

// Service is the append pipeline and read path for operation streams. An
// append validates placement against the stream head, runs the document's
// reducer, and persists the operation, its attachments, its resulting
// state snapshot, and the stream's synchronization unit in one
// transaction. A rejection rolls everything back: rejected operations are
// never written.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	registry    *reducer.Registry
	attachments *attachments.Service
	logger      *zap.Logger
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
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		registry:    cfg.Registry,
		attachments: cfg.Attachments,
		logger:      logger,
	}, nil
}

// AppendParams is one candidate operation. Index must be the stream head
// plus one; Skip logically voids that many immediately preceding
// operations for state derivation. OpID, when present, makes the append
// idempotent within the stream.
type AppendParams struct {
	DocumentID  string
	Scope       string
	Branch      string
	Index       int64
	Skip        int64
	ActionType  string
	Input       json.RawMessage
	OpID        string
	Context     json.RawMessage
	Attachments []attachments.Upload
}

// Append validates, folds, and persists one operation. Placement failures
// return ConflictError or InvalidSkipError; reducer rejections are
// returned unwrapped so callers can inspect them. In every failure case
// the stream is left exactly as it was.
func (s *Service) Append(ctx context.Context, params AppendParams) (Operation, error) {
	key, err := NewStreamKey(params.DocumentID, params.Scope, params.Branch)
	if err != nil {
		return Operation{}, err
	}
	actionType := strings.TrimSpace(params.ActionType)
	if actionType == "" {
		return Operation{}, ErrInvalidActionType
	}
	if params.Index < 0 || params.Skip < 0 {
		return Operation{}, &InvalidSkipError{Key: key, Index: params.Index, Skip: params.Skip}
	}

	var persisted Operation
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var document documents.Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", key.DocumentID).
			Take(&document).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			s.logError(opAppend, "document_select_failed", err, zap.String("document_id", key.DocumentID))
			return newServiceError(opAppend, "document_select_failed", err)
		}
		if !document.HasScope(key.Scope) {
			return fmt.Errorf("%w: %s", ErrScopeNotDeclared, key.Scope)
		}

		if params.OpID != "" {
			var existing Operation
			err := tx.Where("document_id = ? AND scope = ? AND branch = ? AND op_id = ?",
				key.DocumentID, key.Scope, key.Branch, params.OpID).
				Take(&existing).Error
			if err == nil {
				persisted = existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				s.logError(opAppend, "op_id_select_failed", err, zap.String("stream", key.String()))
				return newServiceError(opAppend, "op_id_select_failed", err)
			}
		}

		head, err := streamHead(tx, key)
		if err != nil {
			s.logError(opAppend, "head_select_failed", err, zap.String("stream", key.String()))
			return newServiceError(opAppend, "head_select_failed", err)
		}
		if params.Index <= head {
			return &ConflictError{Key: key, Index: params.Index}
		}
		if params.Index > head+1 {
			return fmt.Errorf("%w: index %d, head %d", ErrNonContiguousIndex, params.Index, head)
		}
		if params.Skip > params.Index {
			return &InvalidSkipError{Key: key, Index: params.Index, Skip: params.Skip}
		}

		prevHash := GenesisHash()
		if params.Index > 0 {
			var previous Operation
			if err := tx.Where("document_id = ? AND scope = ? AND branch = ? AND op_index = ?",
				key.DocumentID, key.Scope, key.Branch, params.Index-1).
				Take(&previous).Error; err != nil {
				s.logError(opAppend, "previous_select_failed", err, zap.String("stream", key.String()))
				return newServiceError(opAppend, "previous_select_failed", err)
			}
			prevHash = previous.Hash
		}

		// Fold over the state as of the jump target: skip voids the
		// immediately preceding operations before this one applies.
		baseState, model, err := s.deriveState(tx, document, key, params.Index-params.Skip-1)
		if err != nil {
			return err
		}

		timestampMillis := s.clock().UTC().UnixMilli()
		action := reducer.Action{
			Type:      actionType,
			Input:     params.Input,
			Timestamp: time.UnixMilli(timestampMillis).UTC(),
		}
		nextState, err := s.registry.Apply(document.DocumentType, baseState, action)
		if err != nil {
			if reducer.IsRejection(err) {
				return err
			}
			s.logError(opAppend, "reducer_failed", err,
				zap.String("stream", key.String()),
				zap.String("action_type", actionType))
			return newServiceError(opAppend, "reducer_failed", err)
		}

		resultingState, err := model.EncodeState(nextState)
		if err != nil {
			s.logError(opAppend, "state_encode_failed", err, zap.String("stream", key.String()))
			return newServiceError(opAppend, "state_encode_failed", err)
		}

		operationID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opAppend, "id_generation_failed", err)
			return newServiceError(opAppend, "id_generation_failed", err)
		}

		input := params.Input
		if input == nil {
			input = json.RawMessage("{}")
		}
		operation := Operation{
			ID:                 operationID,
			OpID:               params.OpID,
			DocumentID:         key.DocumentID,
			Scope:              key.Scope,
			Branch:             key.Branch,
			OpIndex:            params.Index,
			Skip:               params.Skip,
			Hash:               ComputeHash(prevHash, key, params.Index, actionType, input, timestampMillis),
			PrevHash:           prevHash,
			TimestampMillis:    timestampMillis,
			ActionType:         actionType,
			InputJSON:          string(input),
			ContextJSON:        string(params.Context),
			ResultingStateJSON: string(resultingState),
		}
		if err := tx.Create(&operation).Error; err != nil {
			if isUniqueViolation(err) {
				return &ConflictError{Key: key, Index: params.Index}
			}
			s.logError(opAppend, "operation_insert_failed", err, zap.String("stream", key.String()))
			return newServiceError(opAppend, "operation_insert_failed", err)
		}

		if _, err := s.ensureUnit(tx, key, timestampMillis); err != nil {
			return err
		}

		if len(params.Attachments) > 0 {
			if s.attachments == nil {
				return newServiceError(opAppend, "attachments_unavailable", errors.New("attachment service not configured"))
			}
			if _, err := s.attachments.StoreAll(tx, operationID, params.Attachments); err != nil {
				return err
			}
		}

		var maxOrdinal int64
		if err := tx.Model(&documents.Document{}).
			Select("COALESCE(MAX(ordinal), 0)").
			Scan(&maxOrdinal).Error; err != nil {
			s.logError(opAppend, "ordinal_select_failed", err, zap.String("document_id", key.DocumentID))
			return newServiceError(opAppend, "ordinal_select_failed", err)
		}
		if err := tx.Model(&documents.Document{}).
			Where("id = ?", key.DocumentID).
			Updates(map[string]any{
				"ordinal":       maxOrdinal + 1,
				"updated_at_ms": timestampMillis,
			}).Error; err != nil {
			s.logError(opAppend, "ordinal_update_failed", err, zap.String("document_id", key.DocumentID))
			return newServiceError(opAppend, "ordinal_update_failed", err)
		}

		persisted = operation
		return nil
	})
	if txErr != nil {
		return Operation{}, txErr
	}
	return persisted, nil
}

// HeadIndex returns the latest appended index of a stream, or -1 when the
// stream is empty.
func (s *Service) HeadIndex(ctx context.Context, key StreamKey) (int64, error) {
	head, err := streamHead(s.db.WithContext(ctx), key)
	if err != nil {
		s.logError(opHeadIndex, "head_select_failed", err, zap.String("stream", key.String()))
		return 0, newServiceError(opHeadIndex, "head_select_failed", err)
	}
	return head, nil
}

// EnsureUnit creates the stream's synchronization unit if it does not
// exist and returns it either way.
func (s *Service) EnsureUnit(ctx context.Context, key StreamKey) (SynchronizationUnit, error) {
	var unit SynchronizationUnit
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err := s.ensureUnit(tx, key, s.clock().UTC().UnixMilli())
		if err != nil {
			return err
		}
		unit = created
		return nil
	})
	if txErr != nil {
		return SynchronizationUnit{}, txErr
	}
	return unit, nil
}

func (s *Service) ensureUnit(tx *gorm.DB, key StreamKey, nowMillis int64) (SynchronizationUnit, error) {
	var existing SynchronizationUnit
	err := tx.Where("document_id = ? AND scope = ? AND branch = ?",
		key.DocumentID, key.Scope, key.Branch).
		Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opEnsureUnit, "unit_select_failed", err, zap.String("stream", key.String()))
		return SynchronizationUnit{}, newServiceError(opEnsureUnit, "unit_select_failed", err)
	}

	unitID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opEnsureUnit, "id_generation_failed", err)
		return SynchronizationUnit{}, newServiceError(opEnsureUnit, "id_generation_failed", err)
	}
	unit := SynchronizationUnit{
		ID:              unitID,
		DocumentID:      key.DocumentID,
		Scope:           key.Scope,
		Branch:          key.Branch,
		CreatedAtMillis: nowMillis,
	}
	if err := tx.Create(&unit).Error; err != nil {
		if isUniqueViolation(err) {
			// Lost a race with another creator; the existing row wins.
			reread := tx.Where("document_id = ? AND scope = ? AND branch = ?",
				key.DocumentID, key.Scope, key.Branch).
				Take(&existing).Error
			if reread == nil {
				return existing, nil
			}
		}
		s.logError(opEnsureUnit, "unit_insert_failed", err, zap.String("stream", key.String()))
		return SynchronizationUnit{}, newServiceError(opEnsureUnit, "unit_insert_failed", err)
	}
	return unit, nil
}

// ListUnits returns every stream that exists for a document.
func (s *Service) ListUnits(ctx context.Context, documentID string) ([]SynchronizationUnit, error) {
	if documentID == "" {
		return nil, ErrInvalidDocumentID
	}
	var units []SynchronizationUnit
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("scope ASC, branch ASC").
		Find(&units).Error; err != nil {
		s.logError(opListUnits, "query_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(opListUnits, "query_failed", err)
	}
	return units, nil
}

// ListOperations returns a stream's operations with index greater than
// afterIndex, in index order. Skipped operations are included: the
// physical log is what replicas synchronize. A non-positive limit returns
// everything.
func (s *Service) ListOperations(ctx context.Context, key StreamKey, afterIndex int64, limit int) ([]Operation, error) {
	query := s.db.WithContext(ctx).
		Where("document_id = ? AND scope = ? AND branch = ? AND op_index > ?",
			key.DocumentID, key.Scope, key.Branch, afterIndex).
		Order("op_index ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var operations []Operation
	if err := query.Find(&operations).Error; err != nil {
		s.logError(opListOperations, "query_failed", err, zap.String("stream", key.String()))
		return nil, newServiceError(opListOperations, "query_failed", err)
	}
	return operations, nil
}

// VerifyStream recomputes the stream's hash chain from genesis and fails
// closed with ChainIntegrityError at the first operation whose stored hash
// does not match.
func (s *Service) VerifyStream(ctx context.Context, key StreamKey) error {
	operations, err := s.ListOperations(ctx, key, -1, 0)
	if err != nil {
		return err
	}
	prevHash := GenesisHash()
	expectedIndex := int64(0)
	for _, operation := range operations {
		if operation.OpIndex != expectedIndex {
			return &ChainIntegrityError{
				Key:      key,
				Index:    expectedIndex,
				Stored:   "",
				Computed: "",
			}
		}
		computed := OperationHash(prevHash, operation)
		if computed != operation.Hash {
			return &ChainIntegrityError{
				Key:      key,
				Index:    operation.OpIndex,
				Stored:   operation.Hash,
				Computed: computed,
			}
		}
		prevHash = operation.Hash
		expectedIndex++
	}
	return nil
}

// VerifyDocument verifies every stream of a document.
func (s *Service) VerifyDocument(ctx context.Context, documentID string) error {
	units, err := s.ListUnits(ctx, documentID)
	if err != nil {
		return err
	}
	for _, unit := range units {
		if err := s.VerifyStream(ctx, unit.Key()); err != nil {
			return err
		}
	}
	return nil
}

func streamHead(db *gorm.DB, key StreamKey) (int64, error) {
	var head *int64
	err := db.Model(&Operation{}).
		Select("MAX(op_index)").
		Where("document_id = ? AND scope = ? AND branch = ?",
			key.DocumentID, key.Scope, key.Branch).
		Scan(&head).Error
	if err != nil {
		return 0, err
	}
	if head == nil {
		return -1, nil
	}
	return *head, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
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
	s.loggerOrDefault().Error("journal service error", attrs...)
}
