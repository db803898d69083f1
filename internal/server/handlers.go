package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/foldhaus/opfold/internal/attachments"
	"github.com/foldhaus/opfold/internal/documents"
	"github.com/foldhaus/opfold/internal/drives"
	"github.com/foldhaus/opfold/internal/journal"
)

type documentPayload struct {
	ID           string            `json:"id"`
	Ordinal      int64             `json:"ordinal"`
	DocumentType string            `json:"documentType"`
	Name         string            `json:"name,omitempty"`
	Slug         string            `json:"slug,omitempty"`
	Scopes       []string          `json:"scopes"`
	Meta         map[string]string `json:"meta,omitempty"`
	CreatedAtMs  int64             `json:"createdAtMs"`
	UpdatedAtMs  int64             `json:"updatedAtMs"`
}

func renderDocument(document documents.Document) documentPayload {
	payload := documentPayload{
		ID:           document.ID,
		Ordinal:      document.Ordinal,
		DocumentType: document.DocumentType,
		Name:         document.Name,
		CreatedAtMs:  document.CreatedAtMillis,
		UpdatedAtMs:  document.UpdatedAtMillis,
	}
	if document.Slug != nil {
		payload.Slug = *document.Slug
	}
	if scopes, err := document.Scopes(); err == nil {
		payload.Scopes = scopes
	}
	if document.MetaJSON != "" {
		var meta map[string]string
		if err := json.Unmarshal([]byte(document.MetaJSON), &meta); err == nil {
			payload.Meta = meta
		}
	}
	return payload
}

type createDocumentPayload struct {
	ID           string            `json:"id"`
	DocumentType string            `json:"documentType"`
	Name         string            `json:"name"`
	Slug         string            `json:"slug"`
	Scopes       []string          `json:"scopes"`
	Meta         map[string]string `json:"meta"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	document, err := h.documents.Create(c.Request.Context(), documents.CreateParams{
		ID:           request.ID,
		DocumentType: request.DocumentType,
		Name:         request.Name,
		Slug:         request.Slug,
		Scopes:       request.Scopes,
		Meta:         request.Meta,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, renderDocument(document))
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	all, err := h.documents.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]documentPayload, 0, len(all))
	for _, document := range all {
		payload = append(payload, renderDocument(document))
	}
	c.JSON(http.StatusOK, gin.H{"documents": payload})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	document, err := h.documents.Get(c.Request.Context(), c.Param("documentId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderDocument(document))
}

type attachmentUploadPayload struct {
	ID        string `json:"id"`
	MimeType  string `json:"mimeType"`
	Filename  string `json:"filename"`
	Extension string `json:"extension"`
	Data      []byte `json:"data"`
}

type appendOperationPayload struct {
	Scope       string                    `json:"scope"`
	Branch      string                    `json:"branch"`
	Index       int64                     `json:"index"`
	Skip        int64                     `json:"skip"`
	ActionType  string                    `json:"actionType"`
	Input       json.RawMessage           `json:"input"`
	OpID        string                    `json:"opId"`
	Context     json.RawMessage           `json:"context"`
	Attachments []attachmentUploadPayload `json:"attachments"`
}

type operationPayload struct {
	ID          string          `json:"id"`
	OpID        string          `json:"opId,omitempty"`
	DocumentID  string          `json:"documentId"`
	Scope       string          `json:"scope"`
	Branch      string          `json:"branch"`
	Index       int64           `json:"index"`
	Skip        int64           `json:"skip"`
	Hash        string          `json:"hash"`
	PrevHash    string          `json:"prevHash"`
	TimestampMs int64           `json:"timestampMs"`
	ActionType  string          `json:"actionType"`
	Input       json.RawMessage `json:"input"`
	Context     json.RawMessage `json:"context,omitempty"`
}

func renderOperation(operation journal.Operation) operationPayload {
	payload := operationPayload{
		ID:          operation.ID,
		OpID:        operation.OpID,
		DocumentID:  operation.DocumentID,
		Scope:       operation.Scope,
		Branch:      operation.Branch,
		Index:       operation.OpIndex,
		Skip:        operation.Skip,
		Hash:        operation.Hash,
		PrevHash:    operation.PrevHash,
		TimestampMs: operation.TimestampMillis,
		ActionType:  operation.ActionType,
		Input:       json.RawMessage(operation.InputJSON),
	}
	if operation.ContextJSON != "" {
		payload.Context = json.RawMessage(operation.ContextJSON)
	}
	return payload
}

func (h *httpHandler) handleAppendOperation(c *gin.Context) {
	var request appendOperationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	uploads := make([]attachments.Upload, 0, len(request.Attachments))
	for _, upload := range request.Attachments {
		uploads = append(uploads, attachments.Upload{
			ID:        upload.ID,
			MimeType:  upload.MimeType,
			Filename:  upload.Filename,
			Extension: upload.Extension,
			Data:      upload.Data,
		})
	}

	operation, err := h.journal.Append(c.Request.Context(), journal.AppendParams{
		DocumentID:  c.Param("documentId"),
		Scope:       request.Scope,
		Branch:      request.Branch,
		Index:       request.Index,
		Skip:        request.Skip,
		ActionType:  request.ActionType,
		Input:       request.Input,
		OpID:        request.OpID,
		Context:     request.Context,
		Attachments: uploads,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, renderOperation(operation))
}

func (h *httpHandler) handleListOperations(c *gin.Context) {
	key, err := streamKeyFromQuery(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	afterIndex, err := queryInt64(c, "afterIndex", -1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	limit, err := queryInt64(c, "limit", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	operations, err := h.journal.ListOperations(c.Request.Context(), key, afterIndex, int(limit))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]operationPayload, 0, len(operations))
	for _, operation := range operations {
		payload = append(payload, renderOperation(operation))
	}
	c.JSON(http.StatusOK, gin.H{"operations": payload})
}

func (h *httpHandler) handleGetState(c *gin.Context) {
	key, err := streamKeyFromQuery(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	uptoIndex, err := queryInt64(c, "uptoIndex", journal.HeadState)
	if err != nil || (uptoIndex < 0 && uptoIndex != journal.HeadState) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	state, err := h.journal.GetStateJSON(c.Request.Context(), key, uptoIndex)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"documentId": key.DocumentID,
		"scope":      key.Scope,
		"branch":     key.Branch,
		"state":      state,
	})
}

func (h *httpHandler) handleListUnits(c *gin.Context) {
	units, err := h.journal.ListUnits(c.Request.Context(), c.Param("documentId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	type unitPayload struct {
		ID          string `json:"id"`
		DocumentID  string `json:"documentId"`
		Scope       string `json:"scope"`
		Branch      string `json:"branch"`
		CreatedAtMs int64  `json:"createdAtMs"`
	}
	payload := make([]unitPayload, 0, len(units))
	for _, unit := range units {
		payload = append(payload, unitPayload{
			ID:          unit.ID,
			DocumentID:  unit.DocumentID,
			Scope:       unit.Scope,
			Branch:      unit.Branch,
			CreatedAtMs: unit.CreatedAtMillis,
		})
	}
	c.JSON(http.StatusOK, gin.H{"synchronizationUnits": payload})
}

func (h *httpHandler) handleVerifyDocument(c *gin.Context) {
	documentID := c.Param("documentId")
	if _, err := h.documents.Get(c.Request.Context(), documentID); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.journal.VerifyDocument(c.Request.Context(), documentID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": documentID, "verified": true})
}

func (h *httpHandler) handleGetAttachment(c *gin.Context) {
	attachment, err := h.attachments.Get(c.Request.Context(), c.Param("operationId"), c.Param("attachmentId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       attachment.ID,
		"mimeType": attachment.MimeType,
		"filename": attachment.Filename,
		"hash":     attachment.Hash,
		"data":     attachment.Data,
	})
}

type drivePayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug,omitempty"`
	IconURL     string `json:"iconUrl,omitempty"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

func renderDrive(drive drives.Drive) drivePayload {
	payload := drivePayload{
		ID:          drive.ID,
		Name:        drive.Name,
		IconURL:     drive.IconURL,
		CreatedAtMs: drive.CreatedAtMillis,
	}
	if drive.Slug != nil {
		payload.Slug = *drive.Slug
	}
	return payload
}

type createDrivePayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Slug    string `json:"slug"`
	IconURL string `json:"iconUrl"`
}

func (h *httpHandler) handleCreateDrive(c *gin.Context) {
	var request createDrivePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	drive, err := h.drives.Create(c.Request.Context(), drives.CreateParams{
		ID:      request.ID,
		Name:    request.Name,
		Slug:    request.Slug,
		IconURL: request.IconURL,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, renderDrive(drive))
}

func (h *httpHandler) handleListDrives(c *gin.Context) {
	all, err := h.drives.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]drivePayload, 0, len(all))
	for _, drive := range all {
		payload = append(payload, renderDrive(drive))
	}
	c.JSON(http.StatusOK, gin.H{"drives": payload})
}

func (h *httpHandler) handleGetDrive(c *gin.Context) {
	drive, err := h.drives.Get(c.Request.Context(), c.Param("driveId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderDrive(drive))
}

func (h *httpHandler) handleAddDriveDocument(c *gin.Context) {
	var request struct {
		DocumentID string `json:"documentId"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || request.DocumentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	membership, err := h.drives.AddDocument(c.Request.Context(), c.Param("driveId"), request.DocumentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"driveId":    membership.DriveID,
		"documentId": membership.DocumentID,
	})
}

func (h *httpHandler) handleRemoveDriveDocument(c *gin.Context) {
	err := h.drives.RemoveDocument(c.Request.Context(), c.Param("driveId"), c.Param("documentId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListDriveDocuments(c *gin.Context) {
	members, err := h.drives.ListDocuments(c.Request.Context(), c.Param("driveId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]documentPayload, 0, len(members))
	for _, document := range members {
		payload = append(payload, renderDocument(document))
	}
	c.JSON(http.StatusOK, gin.H{"documents": payload})
}

func streamKeyFromQuery(c *gin.Context) (journal.StreamKey, error) {
	scope := c.DefaultQuery("scope", journal.ScopeGlobal)
	branch := c.DefaultQuery("branch", journal.BranchMain)
	return journal.NewStreamKey(c.Param("documentId"), scope, branch)
}

func queryInt64(c *gin.Context, name string, fallback int64) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
