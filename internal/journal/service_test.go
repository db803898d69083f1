package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/foldhaus/opfold/internal/attachments"
	"github.com/foldhaus/opfold/internal/documents"
	"github.com/foldhaus/opfold/internal/reducer"
)

const counterDocumentType = "test/counter"

type counterState struct {
	Value int64 `json:"value"`
}

func (s *counterState) Clone() reducer.State {
	copied := *s
	return &copied
}

type counterModel struct{}

func (*counterModel) DocumentType() string {
	return counterDocumentType
}

func (*counterModel) InitialState() reducer.State {
	return &counterState{}
}

func (*counterModel) EncodeState(state reducer.State) ([]byte, error) {
	return json.Marshal(state)
}

func (*counterModel) DecodeState(data []byte) (reducer.State, error) {
	decoded := &counterState{}
	if err := json.Unmarshal(data, decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

func (*counterModel) Operations() map[string]reducer.Handler {
	return map[string]reducer.Handler{
		"ADD": func(state reducer.State, action reducer.Action) (reducer.State, error) {
			var input struct {
				Amount int64 `json:"amount"`
			}
			if err := json.Unmarshal(action.Input, &input); err != nil {
				return nil, &reducer.MissingRequiredFieldError{Field: "input"}
			}
			if input.Amount < 0 {
				return nil, &reducer.InvariantViolationError{Rule: "amount must be non-negative"}
			}
			next := state.Clone().(*counterState)
			next.Value += input.Amount
			return next, nil
		},
	}
}

type sequentialIDProvider struct {
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:journal_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&documents.Document{},
		&Operation{},
		&SynchronizationUnit{},
		&attachments.Attachment{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_stream_op_id " +
			"ON operations(document_id, scope, branch, op_id) WHERE op_id <> '';",
	).Error; err != nil {
		t.Fatalf("failed to create op_id index: %v", err)
	}

	registry, err := reducer.NewRegistry(&counterModel{})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	ids := &sequentialIDProvider{}
	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }

	attachmentService, err := attachments.NewService(attachments.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: ids,
	})
	if err != nil {
		t.Fatalf("failed to construct attachment service: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:    db,
		Clock:       clock,
		IDProvider:  ids,
		Registry:    registry,
		Attachments: attachmentService,
	})
	if err != nil {
		t.Fatalf("failed to construct journal service: %v", err)
	}
	return service, db
}

func createCounterDocument(t *testing.T, db *gorm.DB, documentID string) {
	t.Helper()
	document := documents.Document{
		ID:               documentID,
		Ordinal:          1,
		DocumentType:     counterDocumentType,
		InitialStateJSON: `{"value":0}`,
		ScopesJSON:       `["global","local"]`,
	}
	if err := db.Create(&document).Error; err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
}

func addParams(documentID string, index, skip, amount int64) AppendParams {
	return AppendParams{
		DocumentID: documentID,
		Scope:      ScopeGlobal,
		Branch:     BranchMain,
		Index:      index,
		Skip:       skip,
		ActionType: "ADD",
		Input:      json.RawMessage(fmt.Sprintf(`{"amount":%d}`, amount)),
	}
}

func mustAppend(t *testing.T, service *Service, params AppendParams) Operation {
	t.Helper()
	operation, err := service.Append(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected append error at index %d: %v", params.Index, err)
	}
	return operation
}

func counterValue(t *testing.T, service *Service, key StreamKey, uptoIndex int64) int64 {
	t.Helper()
	state, err := service.GetState(context.Background(), key, uptoIndex)
	if err != nil {
		t.Fatalf("unexpected state error: %v", err)
	}
	counter, ok := state.(*counterState)
	if !ok {
		t.Fatalf("unexpected state type %T", state)
	}
	return counter.Value
}

func TestAppendChainsHashesFromGenesis(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")
	key := testKey(t)

	first := mustAppend(t, service, addParams("doc-1", 0, 0, 1))
	second := mustAppend(t, service, addParams("doc-1", 1, 0, 2))

	if first.PrevHash != GenesisHash() {
		t.Fatalf("expected genesis prev hash, got %s", first.PrevHash)
	}
	expected := ComputeHash(GenesisHash(), key, 0, "ADD", []byte(`{"amount":1}`), first.TimestampMillis)
	if first.Hash != expected {
		t.Fatalf("stored hash %s does not match recomputation %s", first.Hash, expected)
	}
	if second.PrevHash != first.Hash {
		t.Fatalf("second operation does not chain to the first")
	}
}

func TestAppendRejectsOccupiedIndex(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")

	mustAppend(t, service, addParams("doc-1", 0, 0, 1))

	_, err := service.Append(context.Background(), addParams("doc-1", 0, 0, 5))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Index != 0 {
		t.Fatalf("expected conflict at index 0, got %d", conflict.Index)
	}

	// The loser re-reads the head and resubmits at the next index.
	head, err := service.HeadIndex(context.Background(), testKey(t))
	if err != nil {
		t.Fatalf("unexpected head error: %v", err)
	}
	if head != 0 {
		t.Fatalf("expected head 0, got %d", head)
	}
	retried := mustAppend(t, service, addParams("doc-1", head+1, 0, 5))
	if retried.OpIndex != 1 {
		t.Fatalf("expected retried append at index 1, got %d", retried.OpIndex)
	}
}

func TestConcurrentAppendsAtSameIndexYieldOneConflict(t *testing.T) {
	service, db := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")
	key := testKey(t)

	// One connection serializes the write transactions, so the race
	// surfaces as a ConflictError rather than a driver busy error.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	mustAppend(t, service, addParams("doc-1", 0, 0, 1))

	start := make(chan struct{})
	results := make(chan error, 2)
	for writer := 0; writer < 2; writer++ {
		go func() {
			<-start
			_, err := service.Append(context.Background(), addParams("doc-1", 1, 0, 5))
			results <- err
		}()
	}
	close(start)

	var successes, conflicts int
	for i := 0; i < 2; i++ {
		err := <-results
		var conflict *ConflictError
		switch {
		case err == nil:
			successes++
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected append error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one success and one conflict, got %d successes and %d conflicts", successes, conflicts)
	}

	// The loser re-reads the head and resubmits at the next index.
	head, err := service.HeadIndex(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected head error: %v", err)
	}
	if head != 1 {
		t.Fatalf("expected head 1 after the race, got %d", head)
	}
	mustAppend(t, service, addParams("doc-1", head+1, 0, 9))
	if got := counterValue(t, service, key, HeadState); got != 15 {
		t.Fatalf("expected derived value 15 (1+5+9), got %d", got)
	}
}

func TestAppendRejectsIndexAheadOfHead(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")

	_, err := service.Append(context.Background(), addParams("doc-1", 5, 0, 1))
	if !errors.Is(err, ErrNonContiguousIndex) {
		t.Fatalf("expected ErrNonContiguousIndex, got %v", err)
	}
}

func TestAppendRejectsSkipPastStreamStart(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")
	mustAppend(t, service, addParams("doc-1", 0, 0, 1))

	_, err := service.Append(context.Background(), addParams("doc-1", 1, 2, 1))
	var invalidSkip *InvalidSkipError
	if !errors.As(err, &invalidSkip) {
		t.Fatalf("expected InvalidSkipError, got %v", err)
	}
}

func TestAppendRejectsUndeclaredScope(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")

	params := addParams("doc-1", 0, 0, 1)
	params.Scope = "review"
	_, err := service.Append(context.Background(), params)
	if !errors.Is(err, ErrScopeNotDeclared) {
		t.Fatalf("expected ErrScopeNotDeclared, got %v", err)
	}
}

func TestAppendUnknownDocumentReturnsNotFound(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.Append(context.Background(), addParams("missing", 0, 0, 1))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendIsIdempotentPerOpID(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")

	params := addParams("doc-1", 0, 0, 3)
	params.OpID = "client-op-1"
	first := mustAppend(t, service, params)

	// Resubmitting the same opId returns the stored operation even though
	// index 0 is now occupied.
	replayed, err := service.Append(context.Background(), params)
	if err != nil {
		t.Fatalf("unexpected idempotent append error: %v", err)
	}
	if replayed.ID != first.ID || replayed.Hash != first.Hash {
		t.Fatalf("expected the original operation back, got %+v", replayed)
	}

	var count int64
	if err := service.db.Model(&Operation{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count operations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 stored operation, got %d", count)
	}
}

func TestAppendRejectionPersistsNothing(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")

	_, err := service.Append(context.Background(), addParams("doc-1", 0, 0, -5))
	if err == nil || !reducer.IsRejection(err) {
		t.Fatalf("expected reducer rejection, got %v", err)
	}

	var operationCount int64
	if err := service.db.Model(&Operation{}).Count(&operationCount).Error; err != nil {
		t.Fatalf("failed to count operations: %v", err)
	}
	if operationCount != 0 {
		t.Fatalf("expected no persisted operations, got %d", operationCount)
	}
	var unitCount int64
	if err := service.db.Model(&SynchronizationUnit{}).Count(&unitCount).Error; err != nil {
		t.Fatalf("failed to count units: %v", err)
	}
	if unitCount != 0 {
		t.Fatalf("expected no synchronization units, got %d", unitCount)
	}
}

func TestAppendRejectsUnknownActionType(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")

	params := addParams("doc-1", 0, 0, 1)
	params.ActionType = "EXPLODE"
	_, err := service.Append(context.Background(), params)
	if err == nil || !reducer.IsRejection(err) {
		t.Fatalf("expected rejection for unknown action type, got %v", err)
	}
}

func TestSkipVoidsPrecedingOperationsInDerivedState(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")
	key := testKey(t)

	for i := int64(0); i < 6; i++ {
		mustAppend(t, service, addParams("doc-1", i, 0, i+1))
	}
	// Indices 0..5 add 1..6. skip=2 at index 6 voids indices 4 and 5.
	mustAppend(t, service, addParams("doc-1", 6, 2, 10))

	if got := counterValue(t, service, key, HeadState); got != 20 {
		t.Fatalf("expected derived value 20 (1+2+3+4+10), got %d", got)
	}

	var count int64
	if err := service.db.Model(&Operation{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count operations: %v", err)
	}
	if count != 7 {
		t.Fatalf("expected all 7 operations retained physically, got %d", count)
	}
}

func TestGetStateAtIntermediateIndex(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")
	key := testKey(t)

	for i := int64(0); i < 4; i++ {
		mustAppend(t, service, addParams("doc-1", i, 0, i+1))
	}

	if got := counterValue(t, service, key, 2); got != 6 {
		t.Fatalf("expected value 6 at index 2, got %d", got)
	}
	if got := counterValue(t, service, key, HeadState); got != 10 {
		t.Fatalf("expected value 10 at head, got %d", got)
	}
}

func TestReplayWithoutSnapshotsMatchesSnapshotResume(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")
	key := testKey(t)

	for i := int64(0); i < 5; i++ {
		mustAppend(t, service, addParams("doc-1", i, 0, i+1))
	}
	fromSnapshots := counterValue(t, service, key, HeadState)

	if err := service.db.Model(&Operation{}).
		Where("document_id = ?", "doc-1").
		Update("resulting_state_json", "").Error; err != nil {
		t.Fatalf("failed to clear snapshots: %v", err)
	}
	fromGenesis := counterValue(t, service, key, HeadState)

	if fromSnapshots != fromGenesis {
		t.Fatalf("snapshot resume %d differs from genesis replay %d", fromSnapshots, fromGenesis)
	}
}

func TestSkipOfSkippingOperationRestoresHiddenEffects(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")
	key := testKey(t)

	mustAppend(t, service, addParams("doc-1", 0, 0, 1))
	mustAppend(t, service, addParams("doc-1", 1, 0, 2))
	// Index 2 voids index 1; index 3 voids index 2, which puts index 1
	// back into effect: 1 + 2 + 8.
	mustAppend(t, service, addParams("doc-1", 2, 1, 4))
	mustAppend(t, service, addParams("doc-1", 3, 1, 8))

	fromSnapshots := counterValue(t, service, key, HeadState)
	if fromSnapshots != 11 {
		t.Fatalf("expected derived value 11 (1+2+8), got %d", fromSnapshots)
	}

	// The cached snapshots were produced by the append-time fold over the
	// same jump targets; replay from genesis must land on the same state.
	if err := service.db.Model(&Operation{}).
		Where("document_id = ?", "doc-1").
		Update("resulting_state_json", "").Error; err != nil {
		t.Fatalf("failed to clear snapshots: %v", err)
	}
	fromGenesis := counterValue(t, service, key, HeadState)
	if fromGenesis != fromSnapshots {
		t.Fatalf("snapshot resume %d differs from genesis replay %d", fromSnapshots, fromGenesis)
	}
}

func TestVerifyStreamPassesUntamperedLog(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")

	for i := int64(0); i < 3; i++ {
		mustAppend(t, service, addParams("doc-1", i, 0, 1))
	}
	if err := service.VerifyStream(context.Background(), testKey(t)); err != nil {
		t.Fatalf("expected verification to pass: %v", err)
	}
}

func TestVerifyStreamDetectsTamperedInput(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")

	for i := int64(0); i < 3; i++ {
		mustAppend(t, service, addParams("doc-1", i, 0, 1))
	}
	if err := service.db.Model(&Operation{}).
		Where("document_id = ? AND op_index = ?", "doc-1", 1).
		Update("input_json", `{"amount":9999}`).Error; err != nil {
		t.Fatalf("failed to tamper with stored input: %v", err)
	}

	err := service.VerifyStream(context.Background(), testKey(t))
	var integrity *ChainIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected ChainIntegrityError, got %v", err)
	}
	if integrity.Index != 1 {
		t.Fatalf("expected failure at index 1, got %d", integrity.Index)
	}
}

func TestEnsureUnitIsIdempotent(t *testing.T) {
	service, _ := newTestService(t)
	key := testKey(t)

	first, err := service.EnsureUnit(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected ensure error: %v", err)
	}
	second, err := service.EnsureUnit(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected ensure error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same unit, got %s and %s", first.ID, second.ID)
	}
}

func TestListUnitsReturnsEveryStream(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")

	mustAppend(t, service, addParams("doc-1", 0, 0, 1))
	local := addParams("doc-1", 0, 0, 2)
	local.Scope = ScopeLocal
	mustAppend(t, service, local)

	units, err := service.ListUnits(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
}

func TestListOperationsAfterIndex(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")

	for i := int64(0); i < 5; i++ {
		mustAppend(t, service, addParams("doc-1", i, 0, 1))
	}

	operations, err := service.ListOperations(context.Background(), testKey(t), 2, 0)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(operations) != 2 {
		t.Fatalf("expected 2 operations after index 2, got %d", len(operations))
	}
	if operations[0].OpIndex != 3 || operations[1].OpIndex != 4 {
		t.Fatalf("unexpected indexes %d, %d", operations[0].OpIndex, operations[1].OpIndex)
	}
}

func TestAppendStoresAndDeduplicatesAttachments(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")

	params := addParams("doc-1", 0, 0, 1)
	params.Attachments = []attachments.Upload{
		{MimeType: "text/plain", Filename: "a.txt", Data: []byte("same content")},
		{MimeType: "text/plain", Filename: "b.txt", Data: []byte("same content")},
	}
	operation := mustAppend(t, service, params)

	var stored []attachments.Attachment
	if err := service.db.Where("operation_id = ?", operation.ID).Find(&stored).Error; err != nil {
		t.Fatalf("failed to load attachments: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected identical payloads to collapse to 1 row, got %d", len(stored))
	}
	if stored[0].Hash != attachments.ContentHash([]byte("same content")) {
		t.Fatalf("unexpected content hash %s", stored[0].Hash)
	}
}

func TestAppendAdvancesDocumentOrdinal(t *testing.T) {
	service, _ := newTestService(t)
	createCounterDocument(t, service.db, "doc-1")

	mustAppend(t, service, addParams("doc-1", 0, 0, 1))
	mustAppend(t, service, addParams("doc-1", 1, 0, 1))

	var document documents.Document
	if err := service.db.Where("id = ?", "doc-1").Take(&document).Error; err != nil {
		t.Fatalf("failed to reload document: %v", err)
	}
	if document.Ordinal != 3 {
		t.Fatalf("expected ordinal 3 after two appends, got %d", document.Ordinal)
	}
}
