package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/foldhaus/opfold/internal/attachments"
	"github.com/foldhaus/opfold/internal/documents"
	"github.com/foldhaus/opfold/internal/drives"
	"github.com/foldhaus/opfold/internal/journal"
	"github.com/foldhaus/opfold/internal/reducer"
)

const subjectContextKey = "opfold_subject"

var (
	errMissingTokenManager      = errors.New("token manager dependency required")
	errMissingJournalService    = errors.New("journal service dependency required")
	errMissingDocumentsService  = errors.New("documents service dependency required")
	errMissingDrivesService     = errors.New("drives service dependency required")
	errMissingAttachmentService = errors.New("attachment service dependency required")
	errInvalidAuthorization     = errors.New("authorization header missing or invalid")
)

type TokenManager interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TokenManager TokenManager
	Journal      *journal.Service
	Documents    *documents.Service
	Drives       *drives.Service
	Attachments  *attachments.Service
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Journal == nil {
		return nil, errMissingJournalService
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentsService
	}
	if deps.Drives == nil {
		return nil, errMissingDrivesService
	}
	if deps.Attachments == nil {
		return nil, errMissingAttachmentService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		journal:     deps.Journal,
		documents:   deps.Documents,
		drives:      deps.Drives,
		attachments: deps.Attachments,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents", handler.handleListDocuments)
	protected.GET("/documents/:documentId", handler.handleGetDocument)
	protected.POST("/documents/:documentId/operations", handler.handleAppendOperation)
	protected.GET("/documents/:documentId/operations", handler.handleListOperations)
	protected.GET("/documents/:documentId/state", handler.handleGetState)
	protected.GET("/documents/:documentId/sync-units", handler.handleListUnits)
	protected.GET("/documents/:documentId/verify", handler.handleVerifyDocument)
	protected.GET("/operations/:operationId/attachments/:attachmentId", handler.handleGetAttachment)
	protected.POST("/drives", handler.handleCreateDrive)
	protected.GET("/drives", handler.handleListDrives)
	protected.GET("/drives/:driveId", handler.handleGetDrive)
	protected.POST("/drives/:driveId/documents", handler.handleAddDriveDocument)
	protected.DELETE("/drives/:driveId/documents/:documentId", handler.handleRemoveDriveDocument)
	protected.GET("/drives/:driveId/documents", handler.handleListDriveDocuments)

	return router, nil
}

type httpHandler struct {
	tokens      TokenManager
	journal     *journal.Service
	documents   *documents.Service
	drives      *drives.Service
	attachments *attachments.Service
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// respondError maps domain errors onto HTTP statuses: conflicts are 409,
// rejections and invalid skips are 422, unknown entities are 404, and
// chain-integrity failures are 500 with an incident log line.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var conflict *journal.ConflictError
	var invalidSkip *journal.InvalidSkipError
	var integrity *journal.ChainIntegrityError

	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "detail": conflict.Error()})
	case errors.Is(err, journal.ErrNonContiguousIndex):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "detail": err.Error()})
	case errors.As(err, &invalidSkip):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_skip", "detail": invalidSkip.Error()})
	case reducer.IsRejection(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "rejected", "detail": err.Error()})
	case errors.Is(err, journal.ErrScopeNotDeclared):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "scope_not_declared", "detail": err.Error()})
	case errors.Is(err, journal.ErrNotFound),
		errors.Is(err, documents.ErrNotFound),
		errors.Is(err, drives.ErrNotFound),
		errors.Is(err, attachments.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, drives.ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"error": "already_member"})
	case errors.Is(err, journal.ErrInvalidDocumentID),
		errors.Is(err, journal.ErrInvalidScope),
		errors.Is(err, journal.ErrInvalidBranch),
		errors.Is(err, journal.ErrInvalidActionType),
		errors.Is(err, documents.ErrInvalidSlug),
		errors.Is(err, documents.ErrInvalidDocumentType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case errors.As(err, &integrity):
		h.logger.Error("chain integrity failure", zap.Error(integrity))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chain_integrity_failure"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
