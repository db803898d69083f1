package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/foldhaus/opfold/internal/documents"
	"github.com/foldhaus/opfold/internal/reducer"
)

// HeadState is a sentinel for GetState's uptoIndex meaning "the current
// stream head".
const HeadState int64 = -2

// GetState derives a document's state at uptoIndex by folding the
// stream's effective operations through the reducer. Skipped operations
// contribute nothing; replay resumes from the nearest usable snapshot
// instead of refolding from genesis when one is cached.
func (s *Service) GetState(ctx context.Context, key StreamKey, uptoIndex int64) (reducer.State, error) {
	state, _, err := s.stateWithModel(ctx, key, uptoIndex)
	return state, err
}

// GetStateJSON derives the state at uptoIndex and returns its canonical
// encoding.
func (s *Service) GetStateJSON(ctx context.Context, key StreamKey, uptoIndex int64) (json.RawMessage, error) {
	state, model, err := s.stateWithModel(ctx, key, uptoIndex)
	if err != nil {
		return nil, err
	}
	encoded, err := model.EncodeState(state)
	if err != nil {
		s.logError(opGetState, "state_encode_failed", err, zap.String("stream", key.String()))
		return nil, newServiceError(opGetState, "state_encode_failed", err)
	}
	return encoded, nil
}

func (s *Service) stateWithModel(ctx context.Context, key StreamKey, uptoIndex int64) (reducer.State, reducer.Model, error) {
	db := s.db.WithContext(ctx)

	var document documents.Document
	err := db.Where("id = ?", key.DocumentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		s.logError(opGetState, "document_select_failed", err, zap.String("document_id", key.DocumentID))
		return nil, nil, newServiceError(opGetState, "document_select_failed", err)
	}

	return s.deriveState(db, document, key, uptoIndex)
}

// deriveState folds the effective operations of a stream up to uptoIndex
// (HeadState for the full stream). The caller supplies the resolved
// document row so appends can reuse their transaction's snapshot of it.
func (s *Service) deriveState(db *gorm.DB, document documents.Document, key StreamKey, uptoIndex int64) (reducer.State, reducer.Model, error) {
	model, err := s.registry.Model(document.DocumentType)
	if err != nil {
		return nil, nil, newServiceError(opGetState, "unknown_document_type", err)
	}

	query := db.
		Where("document_id = ? AND scope = ? AND branch = ?",
			key.DocumentID, key.Scope, key.Branch).
		Order("op_index ASC")
	if uptoIndex != HeadState {
		query = query.Where("op_index <= ?", uptoIndex)
	}
	var operations []Operation
	if err := query.Find(&operations).Error; err != nil {
		s.logError(opGetState, "operations_select_failed", err, zap.String("stream", key.String()))
		return nil, nil, newServiceError(opGetState, "operations_select_failed", err)
	}

	effective := effectiveOperations(operations)

	// Resume from the newest effective operation that carries a state
	// snapshot. Every effective operation's snapshot equals the fold of
	// the effective prefix ending at it, so the remainder folds on top.
	startAt := 0
	state, err := s.initialState(model, document)
	if err != nil {
		return nil, nil, err
	}
	for i := len(effective) - 1; i >= 0; i-- {
		if effective[i].ResultingStateJSON == "" {
			continue
		}
		decoded, err := model.DecodeState([]byte(effective[i].ResultingStateJSON))
		if err != nil {
			s.logError(opGetState, "snapshot_decode_failed", err,
				zap.String("stream", key.String()),
				zap.Int64("op_index", effective[i].OpIndex))
			return nil, nil, newServiceError(opGetState, "snapshot_decode_failed", err)
		}
		state = decoded
		startAt = i + 1
		break
	}

	for _, operation := range effective[startAt:] {
		action := reducer.Action{
			Type:      operation.ActionType,
			Input:     json.RawMessage(operation.InputJSON),
			Timestamp: time.UnixMilli(operation.TimestampMillis).UTC(),
		}
		next, err := s.registry.Apply(document.DocumentType, state, action)
		if err != nil {
			// A persisted operation that no longer folds means the log and
			// the registry disagree; surface it, never skip it silently.
			s.logError(opGetState, "replay_failed", err,
				zap.String("stream", key.String()),
				zap.Int64("op_index", operation.OpIndex))
			return nil, nil, newServiceError(opGetState, "replay_failed", err)
		}
		state = next
	}
	return state, model, nil
}

func (s *Service) initialState(model reducer.Model, document documents.Document) (reducer.State, error) {
	if document.InitialStateJSON == "" {
		return model.InitialState(), nil
	}
	state, err := model.DecodeState([]byte(document.InitialStateJSON))
	if err != nil {
		s.logError(opGetState, "initial_state_decode_failed", err, zap.String("document_id", document.ID))
		return nil, newServiceError(opGetState, "initial_state_decode_failed", err)
	}
	return state, nil
}

// effectiveOperations filters a stream's physical log down to the
// operations that contribute to state. An operation with skip = k voids
// the k operations immediately preceding it: replay jumps from
// index−k−1 straight to it. The walk starts at the tail and follows
// each jump backwards, so only operations reachable from the newest
// one survive; voiding a skipping operation restores whatever that
// operation had hidden. Voided operations stay in the input slice
// untouched; only the returned view omits them.
func effectiveOperations(operations []Operation) []Operation {
	effective := make([]Operation, 0, len(operations))
	for i := len(operations) - 1; i >= 0; {
		operation := operations[i]
		effective = append(effective, operation)
		jumpTarget := operation.OpIndex - operation.Skip - 1
		j := i - 1
		for j >= 0 && operations[j].OpIndex > jumpTarget {
			j--
		}
		i = j
	}
	for left, right := 0, len(effective)-1; left < right; left, right = left+1, right-1 {
		effective[left], effective[right] = effective[right], effective[left]
	}
	return effective
}
