package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/foldhaus/opfold/internal/attachments"
	"github.com/foldhaus/opfold/internal/documents"
	"github.com/foldhaus/opfold/internal/drives"
	"github.com/foldhaus/opfold/internal/journal"
	"github.com/foldhaus/opfold/internal/ledger"
	"github.com/foldhaus/opfold/internal/reducer"
)

type stubTokenManager struct {
	subject     string
	validateErr error
}

func (s stubTokenManager) ValidateToken(token string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	return s.subject, nil
}

type sequentialIDProvider struct {
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&documents.Document{},
		&journal.Operation{},
		&journal.SynchronizationUnit{},
		&attachments.Attachment{},
		&drives.Drive{},
		&drives.DriveDocument{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_stream_op_id " +
			"ON operations(document_id, scope, branch, op_id) WHERE op_id <> '';",
	).Error; err != nil {
		t.Fatalf("failed to create op_id index: %v", err)
	}

	registry, err := reducer.NewRegistry(ledger.NewModel())
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
		t.Fatalf("failed to construct attachments service: %v", err)
	}
	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: ids,
		Registry:   registry,
	})
	if err != nil {
		t.Fatalf("failed to construct documents service: %v", err)
	}
	driveService, err := drives.NewService(drives.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: ids,
		Documents:  documentService,
	})
	if err != nil {
		t.Fatalf("failed to construct drives service: %v", err)
	}
	journalService, err := journal.NewService(journal.ServiceConfig{
		Database:    db,
		Clock:       clock,
		IDProvider:  ids,
		Registry:    registry,
		Attachments: attachmentService,
	})
	if err != nil {
		t.Fatalf("failed to construct journal service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: stubTokenManager{subject: "tester"},
		Journal:      journalService,
		Documents:    documentService,
		Drives:       driveService,
		Attachments:  attachmentService,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return handler
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer test-token")
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %s: %v", recorder.Body.String(), err)
	}
}

func createPortfolioDocument(t *testing.T, handler http.Handler) string {
	t.Helper()
	recorder := doJSON(t, handler, http.MethodPost, "/documents", gin.H{
		"documentType": ledger.DocumentType,
		"name":         "Fund A",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected create status %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		ID string `json:"id"`
	}
	decodeBody(t, recorder, &payload)
	return payload.ID
}

func appendPayload(index, skip int64, actionType string, input any) gin.H {
	return gin.H{
		"scope":      journal.ScopeGlobal,
		"branch":     journal.BranchMain,
		"index":      index,
		"skip":       skip,
		"actionType": actionType,
		"input":      input,
	}
}

func TestHealthEndpointIsUnprotected(t *testing.T) {
	handler := newTestHandler(t)
	request := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	handler := newTestHandler(t)

	request := httptest.NewRequest(http.MethodGet, "/documents", http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	request = httptest.NewRequest(http.MethodGet, "/documents", http.NoBody)
	request.Header.Set("Authorization", "Basic abc")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-bearer scheme, got %d", recorder.Code)
	}
}

func TestRejectedTokenReturnsUnauthorized(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/documents", http.NoBody)
	request.Header.Set("Authorization", "Bearer bad-token")
	ctx.Request = request

	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: errors.New("signature mismatch")},
		logger: zap.NewNop(),
	}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestCreateDocumentAndAppendOperations(t *testing.T) {
	handler := newTestHandler(t)
	documentID := createPortfolioDocument(t, handler)

	recorder := doJSON(t, handler, http.MethodPost, "/documents/"+documentID+"/operations",
		appendPayload(0, 0, ledger.ActionCreateAccount, gin.H{"id": "acct-1", "reference": "LENDER"}))
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected append status %d: %s", recorder.Code, recorder.Body.String())
	}
	var operation struct {
		Index    int64  `json:"index"`
		Hash     string `json:"hash"`
		PrevHash string `json:"prevHash"`
	}
	decodeBody(t, recorder, &operation)
	if operation.Index != 0 {
		t.Fatalf("expected index 0, got %d", operation.Index)
	}
	if operation.PrevHash != journal.GenesisHash() {
		t.Fatalf("expected genesis prev hash, got %s", operation.PrevHash)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/documents/"+documentID+"/state", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected state status %d: %s", recorder.Code, recorder.Body.String())
	}
	var statePayload struct {
		State struct {
			Accounts []struct {
				ID string `json:"id"`
			} `json:"accounts"`
		} `json:"state"`
	}
	decodeBody(t, recorder, &statePayload)
	if len(statePayload.State.Accounts) != 1 || statePayload.State.Accounts[0].ID != "acct-1" {
		t.Fatalf("unexpected derived state: %s", recorder.Body.String())
	}
}

func TestAppendAtOccupiedIndexReturnsConflict(t *testing.T) {
	handler := newTestHandler(t)
	documentID := createPortfolioDocument(t, handler)

	first := appendPayload(0, 0, ledger.ActionCreateAccount, gin.H{"id": "acct-1", "reference": "LENDER"})
	if recorder := doJSON(t, handler, http.MethodPost, "/documents/"+documentID+"/operations", first); recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected append status %d", recorder.Code)
	}

	duplicate := appendPayload(0, 0, ledger.ActionCreateAccount, gin.H{"id": "acct-2", "reference": "OTHER"})
	recorder := doJSON(t, handler, http.MethodPost, "/documents/"+documentID+"/operations", duplicate)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for occupied index, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestRejectedActionReturnsUnprocessable(t *testing.T) {
	handler := newTestHandler(t)
	documentID := createPortfolioDocument(t, handler)

	// SET_PRINCIPAL_LENDER against an account that does not exist.
	payload := appendPayload(0, 0, ledger.ActionSetPrincipalLender, gin.H{"accountId": "acct-missing"})
	recorder := doJSON(t, handler, http.MethodPost, "/documents/"+documentID+"/operations", payload)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for rejected action, got %d: %s", recorder.Code, recorder.Body.String())
	}

	// A rejected append persists nothing: index 0 is still free.
	retry := appendPayload(0, 0, ledger.ActionCreateAccount, gin.H{"id": "acct-1", "reference": "LENDER"})
	if recorder := doJSON(t, handler, http.MethodPost, "/documents/"+documentID+"/operations", retry); recorder.Code != http.StatusCreated {
		t.Fatalf("expected index 0 to remain free, got %d", recorder.Code)
	}
}

func TestUnknownDocumentReturnsNotFound(t *testing.T) {
	handler := newTestHandler(t)

	recorder := doJSON(t, handler, http.MethodGet, "/documents/missing", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}

	payload := appendPayload(0, 0, ledger.ActionCreateAccount, gin.H{"id": "acct-1", "reference": "LENDER"})
	recorder = doJSON(t, handler, http.MethodPost, "/documents/missing/operations", payload)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for append to missing document, got %d", recorder.Code)
	}
}

func TestUndeclaredScopeReturnsUnprocessable(t *testing.T) {
	handler := newTestHandler(t)
	documentID := createPortfolioDocument(t, handler)

	payload := appendPayload(0, 0, ledger.ActionCreateAccount, gin.H{"id": "acct-1", "reference": "LENDER"})
	payload["scope"] = "billing"
	recorder := doJSON(t, handler, http.MethodPost, "/documents/"+documentID+"/operations", payload)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for undeclared scope, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestListOperationsReturnsAppendedHistory(t *testing.T) {
	handler := newTestHandler(t)
	documentID := createPortfolioDocument(t, handler)

	appends := []gin.H{
		appendPayload(0, 0, ledger.ActionCreateAccount, gin.H{"id": "acct-1", "reference": "LENDER"}),
		appendPayload(1, 0, ledger.ActionCreateAccount, gin.H{"id": "acct-2", "reference": "PROVIDER"}),
	}
	for _, payload := range appends {
		if recorder := doJSON(t, handler, http.MethodPost, "/documents/"+documentID+"/operations", payload); recorder.Code != http.StatusCreated {
			t.Fatalf("unexpected append status %d", recorder.Code)
		}
	}

	recorder := doJSON(t, handler, http.MethodGet, "/documents/"+documentID+"/operations", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected list status %d", recorder.Code)
	}
	var listed struct {
		Operations []struct {
			Index      int64  `json:"index"`
			ActionType string `json:"actionType"`
		} `json:"operations"`
	}
	decodeBody(t, recorder, &listed)
	if len(listed.Operations) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(listed.Operations))
	}
	if listed.Operations[0].Index != 0 || listed.Operations[1].Index != 1 {
		t.Fatalf("operations out of order: %+v", listed.Operations)
	}
}

func TestVerifyEndpointReportsCleanDocument(t *testing.T) {
	handler := newTestHandler(t)
	documentID := createPortfolioDocument(t, handler)

	payload := appendPayload(0, 0, ledger.ActionCreateAccount, gin.H{"id": "acct-1", "reference": "LENDER"})
	if recorder := doJSON(t, handler, http.MethodPost, "/documents/"+documentID+"/operations", payload); recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected append status %d", recorder.Code)
	}

	recorder := doJSON(t, handler, http.MethodGet, "/documents/"+documentID+"/verify", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected verify status %d: %s", recorder.Code, recorder.Body.String())
	}
	var verify struct {
		Verified bool `json:"verified"`
	}
	decodeBody(t, recorder, &verify)
	if !verify.Verified {
		t.Fatalf("expected document to verify")
	}
}

func TestDriveMembershipRoundTrip(t *testing.T) {
	handler := newTestHandler(t)
	documentID := createPortfolioDocument(t, handler)

	recorder := doJSON(t, handler, http.MethodPost, "/drives", gin.H{"name": "Portfolios"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected drive create status %d", recorder.Code)
	}
	var drive struct {
		ID string `json:"id"`
	}
	decodeBody(t, recorder, &drive)

	recorder = doJSON(t, handler, http.MethodPost, "/drives/"+drive.ID+"/documents", gin.H{"documentId": documentID})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected membership status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, handler, http.MethodPost, "/drives/"+drive.ID+"/documents", gin.H{"documentId": documentID})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate membership, got %d", recorder.Code)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/drives/"+drive.ID+"/documents", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected member list status %d", recorder.Code)
	}
	var members struct {
		Documents []struct {
			ID string `json:"id"`
		} `json:"documents"`
	}
	decodeBody(t, recorder, &members)
	if len(members.Documents) != 1 || members.Documents[0].ID != documentID {
		t.Fatalf("unexpected drive members: %s", recorder.Body.String())
	}

	request := httptest.NewRequest(http.MethodDelete, "/drives/"+drive.ID+"/documents/"+documentID, http.NoBody)
	request.Header.Set("Authorization", "Bearer test-token")
	deleteRecorder := httptest.NewRecorder()
	handler.ServeHTTP(deleteRecorder, request)
	if deleteRecorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on removal, got %d", deleteRecorder.Code)
	}
}

func TestAppendWithAttachmentServesContent(t *testing.T) {
	handler := newTestHandler(t)
	documentID := createPortfolioDocument(t, handler)

	payload := appendPayload(0, 0, ledger.ActionCreateAccount, gin.H{"id": "acct-1", "reference": "LENDER"})
	payload["attachments"] = []gin.H{{
		"id":       "att-1",
		"mimeType": "text/csv",
		"filename": "trades",
		"data":     []byte("a,b\n1,2\n"),
	}}
	recorder := doJSON(t, handler, http.MethodPost, "/documents/"+documentID+"/operations", payload)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected append status %d: %s", recorder.Code, recorder.Body.String())
	}
	var operation struct {
		ID string `json:"id"`
	}
	decodeBody(t, recorder, &operation)

	recorder = doJSON(t, handler, http.MethodGet, "/operations/"+operation.ID+"/attachments/att-1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected attachment status %d: %s", recorder.Code, recorder.Body.String())
	}
	var attachment struct {
		MimeType string `json:"mimeType"`
		Data     []byte `json:"data"`
	}
	decodeBody(t, recorder, &attachment)
	if attachment.MimeType != "text/csv" || string(attachment.Data) != "a,b\n1,2\n" {
		t.Fatalf("unexpected attachment payload: %s", recorder.Body.String())
	}
}
