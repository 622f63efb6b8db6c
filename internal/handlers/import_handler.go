package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	gosharedmw "github.com/Tesseract-Nexus/go-shared/middleware"

	"ean-import-service/internal/models"
	"ean-import-service/internal/services"
)

// ImportService is the part of services.SessionService the handler uses
type ImportService interface {
	CreateSession(ctx context.Context, tenantID, fileName string, data []byte) (*models.ImportSession, error)
	GetSession(ctx context.Context, id int64) (*models.ImportSession, error)
	TriggerAnalysis(ctx context.Context) services.TriggerResult
	SelectColumn(ctx context.Context, sessionID string, columnName string) (*services.SelectColumnResult, error)
	StartConversion(ctx context.Context, id int64) (*models.ImportSession, error)
	Activate(ctx context.Context, id int64) (*models.ImportSession, error)
	Reject(ctx context.Context, id int64, reason string) (*models.ImportSession, error)
	ListStuckSessions(ctx context.Context) ([]services.StuckSession, error)
}

var _ ImportService = (*services.SessionService)(nil)

// ImportHandler handles HTTP requests for import sessions
type ImportHandler struct {
	service        ImportService
	logger         *logrus.Logger
	maxUploadBytes int64
}

// NewImportHandler creates a new ImportHandler
func NewImportHandler(service ImportService, logger *logrus.Logger, maxUploadBytes int64) *ImportHandler {
	if logger == nil {
		logger = logrus.New()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 << 20
	}
	return &ImportHandler{
		service:        service,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}
}

// SelectColumnRequest is the body of a column selection
type SelectColumnRequest struct {
	ColumnName string `json:"columnName"`
}

// RejectRequest is the body of a rejection
type RejectRequest struct {
	Reason string `json:"reason"`
}

// SessionResponse is an import session with its selectable columns
type SessionResponse struct {
	*models.ImportSession
	Candidates []string `json:"candidates,omitempty"`
}

// StuckSessionResponse describes one stuck session
type StuckSessionResponse struct {
	SessionID       int64                `json:"sessionId"`
	TenantID        string               `json:"tenantId"`
	FileName        string               `json:"fileName"`
	Status          models.SessionStatus `json:"status"`
	EANAnalysisAt   time.Time            `json:"eanAnalysisAt"`
	StuckForSeconds int64                `json:"stuckForSeconds"`
}

// RouteGuards are the middleware chains placed in front of the import routes.
// Each entry is registered as its own route handler so an abort stops the
// chain before the handler runs.
type RouteGuards struct {
	Import   []gin.HandlerFunc
	Read     []gin.HandlerFunc
	Internal []gin.HandlerFunc
}

// RegisterRoutes mounts the import routes on group
func (h *ImportHandler) RegisterRoutes(group *gin.RouterGroup, guards RouteGuards) {
	with := func(chain []gin.HandlerFunc, handler gin.HandlerFunc) []gin.HandlerFunc {
		handlers := make([]gin.HandlerFunc, 0, len(chain)+1)
		handlers = append(handlers, chain...)
		return append(handlers, handler)
	}

	imports := group.Group("/imports")
	{
		imports.POST("", with(guards.Import, h.CreateImport)...)
		imports.GET("/stuck", with(guards.Read, h.ListStuckSessions)...)
		imports.POST("/analysis/trigger", with(guards.Internal, h.TriggerAnalysis)...)
		imports.GET("/:id", with(guards.Read, h.GetImport)...)
		imports.POST("/:id/column", with(guards.Import, h.SelectColumn)...)
		imports.POST("/:id/convert", with(guards.Import, h.StartConversion)...)
		imports.POST("/:id/activate", with(guards.Import, h.Activate)...)
		imports.POST("/:id/reject", with(guards.Import, h.Reject)...)
	}
}

// CreateImport uploads a supplier file and queues it for EAN analysis
// @Summary Upload supplier file
// @Tags Imports
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "CSV or XLSX file"
// @Success 201 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /api/v1/imports [post]
func (h *ImportHandler) CreateImport(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		respondError(c, http.StatusBadRequest, services.CodeValidation, "tenant_id is required")
		return
	}

	tooLargeMessage := "file exceeds the upload limit of " + strconv.FormatInt(h.maxUploadBytes, 10) + " bytes"
	if c.Request.ContentLength > h.maxUploadBytes {
		respondError(c, http.StatusRequestEntityTooLarge, services.CodeValidation, tooLargeMessage)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, services.CodeValidation, tooLargeMessage)
			return
		}
		respondError(c, http.StatusBadRequest, services.CodeValidation, "multipart field 'file' is required")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, services.CodeValidation, "uploaded file could not be read")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(c, http.StatusBadRequest, services.CodeValidation, "uploaded file could not be read")
		return
	}

	session, err := h.service.CreateSession(c.Request.Context(), tenantID, fileHeader.Filename, data)
	if err != nil {
		h.writeError(c, err)
		return
	}

	actor := gosharedmw.GetActorInfo(c)
	h.logger.WithFields(logrus.Fields{
		"sessionID": session.ID,
		"tenantID":  tenantID,
		"actor":     actor.ActorID,
	}).Info("Import file uploaded")

	c.JSON(http.StatusCreated, models.SuccessResponse{
		Success: true,
		Data:    newSessionResponse(session),
		Message: "Import session created",
	})
}

// GetImport returns an import session
// @Summary Get import session
// @Tags Imports
// @Produce json
// @Param id path int true "Session ID"
// @Success 200 {object} models.SuccessResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /api/v1/imports/{id} [get]
func (h *ImportHandler) GetImport(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: newSessionResponse(session)})
}

// TriggerAnalysis analyzes the oldest session waiting for analysis
// @Summary Trigger EAN analysis
// @Tags Imports
// @Produce json
// @Success 200 {object} services.TriggerResult
// @Failure 500 {object} services.TriggerResult
// @Router /api/v1/imports/analysis/trigger [post]
func (h *ImportHandler) TriggerAnalysis(c *gin.Context) {
	result := h.service.TriggerAnalysis(c.Request.Context())
	if result.Status == services.TriggerError && result.Processed == 0 {
		c.JSON(http.StatusInternalServerError, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SelectColumn resolves the EAN column of a session waiting for a choice
// @Summary Select EAN column
// @Tags Imports
// @Accept json
// @Produce json
// @Param id path int true "Session ID"
// @Param request body SelectColumnRequest true "Column"
// @Success 200 {object} services.SelectColumnResult
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /api/v1/imports/{id}/column [post]
func (h *ImportHandler) SelectColumn(c *gin.Context) {
	var req SelectColumnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, services.CodeValidation, "invalid request body: "+err.Error())
		return
	}

	if _, ok := h.loadSession(c); !ok {
		return
	}

	result, err := h.service.SelectColumn(c.Request.Context(), c.Param("id"), req.ColumnName)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.SuccessResponse{
		Success: true,
		Data:    result,
		Message: "EAN column selected",
	})
}

// StartConversion converts an approved session
// @Summary Convert approved session
// @Tags Imports
// @Produce json
// @Param id path int true "Session ID"
// @Success 200 {object} models.SuccessResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /api/v1/imports/{id}/convert [post]
func (h *ImportHandler) StartConversion(c *gin.Context) {
	h.runSessionAction(c, "Import session converted", h.service.StartConversion)
}

// Activate activates a converted session
// @Summary Activate converted session
// @Tags Imports
// @Produce json
// @Param id path int true "Session ID"
// @Success 200 {object} models.SuccessResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /api/v1/imports/{id}/activate [post]
func (h *ImportHandler) Activate(c *gin.Context) {
	h.runSessionAction(c, "Import session activated", h.service.Activate)
}

// Reject cancels a session
// @Summary Reject import session
// @Tags Imports
// @Accept json
// @Produce json
// @Param id path int true "Session ID"
// @Param request body RejectRequest false "Reason"
// @Success 200 {object} models.SuccessResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /api/v1/imports/{id}/reject [post]
func (h *ImportHandler) Reject(c *gin.Context) {
	var req RejectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, services.CodeValidation, "invalid request body: "+err.Error())
			return
		}
	}

	h.runSessionAction(c, "Import session rejected", func(ctx context.Context, id int64) (*models.ImportSession, error) {
		return h.service.Reject(ctx, id, req.Reason)
	})
}

// ListStuckSessions lists sessions stuck in analysis
// @Summary List stuck sessions
// @Tags Imports
// @Produce json
// @Success 200 {object} models.SuccessResponse
// @Router /api/v1/imports/stuck [get]
func (h *ImportHandler) ListStuckSessions(c *gin.Context) {
	stuck, err := h.service.ListStuckSessions(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	tenantID := c.GetString("tenant_id")
	resp := make([]StuckSessionResponse, 0, len(stuck))
	for _, st := range stuck {
		if tenantID != "" && st.Session.TenantID != tenantID {
			continue
		}
		resp = append(resp, StuckSessionResponse{
			SessionID:       st.Session.ID,
			TenantID:        st.Session.TenantID,
			FileName:        st.Session.FileName,
			Status:          st.Session.Status,
			EANAnalysisAt:   *st.Session.EANAnalysisAt,
			StuckForSeconds: int64(st.StuckFor.Seconds()),
		})
	}

	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: resp})
}

func (h *ImportHandler) runSessionAction(c *gin.Context, message string, action func(context.Context, int64) (*models.ImportSession, error)) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}

	updated, err := action(c.Request.Context(), session.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.SuccessResponse{
		Success: true,
		Data:    newSessionResponse(updated),
		Message: message,
	})
}

// loadSession parses :id and loads the session, hiding sessions of other tenants
func (h *ImportHandler) loadSession(c *gin.Context) (*models.ImportSession, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, services.CodeValidation, "sessionId must be a positive integer")
		return nil, false
	}

	session, err := h.service.GetSession(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}

	if tenantID := c.GetString("tenant_id"); tenantID != "" && session.TenantID != tenantID {
		respondError(c, http.StatusNotFound, services.CodeSessionNotFound, "Import session "+c.Param("id")+" not found")
		return nil, false
	}
	return session, true
}

func (h *ImportHandler) writeError(c *gin.Context, err error) {
	code := services.CodeOf(err)
	status := StatusForCode(code)

	var importErr *services.ImportError
	message := services.MessageOf(err)
	if !errors.As(err, &importErr) && status == http.StatusInternalServerError {
		message = "An internal error occurred"
	}
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("Import request failed")
	}

	respondError(c, status, code, message)
}

// StatusForCode maps an error code to its HTTP status
func StatusForCode(code services.ErrorCode) int {
	switch code {
	case services.CodeValidation:
		return http.StatusBadRequest
	case services.CodeSessionNotFound:
		return http.StatusNotFound
	case services.CodeInvalidStatus:
		return http.StatusConflict
	case services.CodeNoCandidateColumn, services.CodeAmbiguousColumn:
		return http.StatusUnprocessableEntity
	case services.CodeStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, status int, code services.ErrorCode, message string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{
		Success: false,
		Error: models.Error{
			Code:    string(code),
			Message: message,
		},
	})
}

func newSessionResponse(session *models.ImportSession) SessionResponse {
	resp := SessionResponse{ImportSession: session}
	if session.Status == models.StatusWaitingColumnSelection {
		resp.Candidates = services.CandidateColumns(session)
	}
	return resp
}
