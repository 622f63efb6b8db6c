package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ean-import-service/internal/models"
	"ean-import-service/internal/services"
)

// MockImportService is a mock implementation of ImportService
type MockImportService struct {
	mock.Mock
}

var _ ImportService = (*MockImportService)(nil)

func (m *MockImportService) CreateSession(ctx context.Context, tenantID, fileName string, data []byte) (*models.ImportSession, error) {
	args := m.Called(ctx, tenantID, fileName, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ImportSession), args.Error(1)
}

func (m *MockImportService) GetSession(ctx context.Context, id int64) (*models.ImportSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ImportSession), args.Error(1)
}

func (m *MockImportService) TriggerAnalysis(ctx context.Context) services.TriggerResult {
	args := m.Called(ctx)
	return args.Get(0).(services.TriggerResult)
}

func (m *MockImportService) SelectColumn(ctx context.Context, sessionID string, columnName string) (*services.SelectColumnResult, error) {
	args := m.Called(ctx, sessionID, columnName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.SelectColumnResult), args.Error(1)
}

func (m *MockImportService) StartConversion(ctx context.Context, id int64) (*models.ImportSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ImportSession), args.Error(1)
}

func (m *MockImportService) Activate(ctx context.Context, id int64) (*models.ImportSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ImportSession), args.Error(1)
}

func (m *MockImportService) Reject(ctx context.Context, id int64, reason string) (*models.ImportSession, error) {
	args := m.Called(ctx, id, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ImportSession), args.Error(1)
}

func (m *MockImportService) ListStuckSessions(ctx context.Context) ([]services.StuckSession, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]services.StuckSession), args.Error(1)
}

func setupRouter(svc *MockImportService, tenantID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if tenantID != "" {
			c.Set("tenant_id", tenantID)
		}
		c.Next()
	})

	handler := NewImportHandler(svc, logger, 1024)
	handler.RegisterRoutes(router.Group("/api/v1"), RouteGuards{})
	return router
}

func testSession(id int64, status models.SessionStatus) *models.ImportSession {
	return &models.ImportSession{
		ID:        id,
		TenantID:  "tenant-1",
		FileName:  "supplier.csv",
		Format:    models.ImportFormatCSV,
		Status:    status,
		CreatedAt: time.Now(),
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func multipartBody(t *testing.T, fileName string, content []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestCreateImport(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "tenant-1")
	content := []byte("name,ean\nWidget,8712345678901\n")

	svc.On("CreateSession", mock.Anything, "tenant-1", "supplier.csv", content).
		Return(testSession(1, models.StatusAnalyzingEAN), nil)

	body, contentType := multipartBody(t, "supplier.csv", content)
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/imports", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["success"])
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["id"])
	assert.Equal(t, "analyzing_ean", data["status"])
	svc.AssertExpectations(t)
}

func TestCreateImport_MissingTenant(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "")

	body, contentType := multipartBody(t, "supplier.csv", []byte("ean\n"))
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/imports", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, w).Error.Code)
	svc.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateImport_MissingFile(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "tenant-1")

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/imports", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateImport_TooLarge(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "tenant-1")

	body, contentType := multipartBody(t, "supplier.csv", bytes.Repeat([]byte("8712345678901\n"), 200))
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/imports", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	svc.AssertNotCalled(t, "CreateSession", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetImport(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "tenant-1")
	session := testSession(5, models.StatusWaitingColumnSelection)
	message := "Multiple EAN columns detected: EAN, Barcode."
	session.ErrorMessage = &message

	svc.On("GetSession", mock.Anything, int64(5)).Return(session, nil)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/imports/5", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data struct {
			ID           int64    `json:"id"`
			ErrorMessage string   `json:"errorMessage"`
			Candidates   []string `json:"candidates"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(5), resp.Data.ID)
	assert.Equal(t, message, resp.Data.ErrorMessage)
	assert.Equal(t, []string{"EAN", "Barcode"}, resp.Data.Candidates)
}

func TestGetImport_OtherTenantIsHidden(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "tenant-2")

	svc.On("GetSession", mock.Anything, int64(5)).Return(testSession(5, models.StatusApproved), nil)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/imports/5", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", decodeError(t, w).Error.Code)
}

func TestGetImport_InvalidID(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "tenant-1")

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/imports/abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNotCalled(t, "GetSession", mock.Anything, mock.Anything)
}

func TestGetImport_NotFound(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "tenant-1")

	svc.On("GetSession", mock.Anything, int64(99)).
		Return(nil, &services.ImportError{Code: services.CodeSessionNotFound, Message: "Import session 99 not found"})

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/imports/99", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeError(t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, "Import session 99 not found", resp.Error.Message)
}

func TestTriggerAnalysis(t *testing.T) {
	id := int64(3)
	testCases := []struct {
		name           string
		result         services.TriggerResult
		expectedStatus int
	}{
		{
			name:           "no-op",
			result:         services.TriggerResult{Status: services.TriggerNoop, Message: "No sessions ready for analysis"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "processed",
			result:         services.TriggerResult{Processed: 1, SessionID: &id, Status: services.TriggerSuccess},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "session failed",
			result:         services.TriggerResult{Processed: 1, SessionID: &id, Status: services.TriggerError, Code: services.CodeNoCandidateColumn},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "lookup failed",
			result:         services.TriggerResult{Status: services.TriggerError, Code: services.CodeProcessing},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := new(MockImportService)
			router := setupRouter(svc, "")
			svc.On("TriggerAnalysis", mock.Anything).Return(tc.result)

			req, _ := http.NewRequest(http.MethodPost, "/api/v1/imports/analysis/trigger", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.expectedStatus, w.Code)
			var resp services.TriggerResult
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.result.Status, resp.Status)
			assert.Equal(t, tc.result.Processed, resp.Processed)
		})
	}
}

func TestSelectColumn(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "tenant-1")

	svc.On("GetSession", mock.Anything, int64(7)).Return(testSession(7, models.StatusWaitingColumnSelection), nil)
	svc.On("SelectColumn", mock.Anything, "7", "gtin").Return(&services.SelectColumnResult{
		SessionID:      7,
		Status:         models.StatusApproved,
		DetectedColumn: "gtin",
		UniqueCount:    3,
		DuplicateCount: 1,
		TotalValidEANs: 5,
	}, nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/imports/7/column", bytes.NewBufferString(`{"columnName":"gtin"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data services.SelectColumnResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "gtin", resp.Data.DetectedColumn)
	assert.Equal(t, 5, resp.Data.TotalValidEANs)
}

func TestSelectColumn_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"invalid status", &services.ImportError{Code: services.CodeInvalidStatus, Message: "Session 7 is approved"}, http.StatusConflict, "INVALID_STATUS"},
		{"validation", &services.ImportError{Code: services.CodeValidation, Message: "columnName is required"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"no codes", &services.ImportError{Code: services.CodeNoCandidateColumn, Message: "no valid codes"}, http.StatusUnprocessableEntity, "NO_CANDIDATE_COLUMN"},
		{"storage", &services.ImportError{Code: services.CodeStorage, Message: "bucket down"}, http.StatusBadGateway, "STORAGE_ERROR"},
		{"unexpected", errors.New("pq: connection refused"), http.StatusInternalServerError, "PROCESSING_ERROR"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := new(MockImportService)
			router := setupRouter(svc, "tenant-1")
			svc.On("GetSession", mock.Anything, int64(7)).Return(testSession(7, models.StatusWaitingColumnSelection), nil)
			svc.On("SelectColumn", mock.Anything, "7", "ean").Return(nil, tc.err)

			req, _ := http.NewRequest(http.MethodPost, "/api/v1/imports/7/column", bytes.NewBufferString(`{"columnName":"ean"}`))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.expectedStatus, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tc.expectedCode, resp.Error.Code)
			if tc.expectedStatus == http.StatusInternalServerError {
				assert.Equal(t, "An internal error occurred", resp.Error.Message)
			}
		})
	}
}

func TestStartConversion(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "tenant-1")

	svc.On("GetSession", mock.Anything, int64(8)).Return(testSession(8, models.StatusApproved), nil)
	svc.On("StartConversion", mock.Anything, int64(8)).Return(testSession(8, models.StatusReadyForActivation), nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/imports/8/convert", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ready_for_activation"`)
}

func TestActivate_InvalidStatus(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "tenant-1")

	svc.On("GetSession", mock.Anything, int64(9)).Return(testSession(9, models.StatusApproved), nil)
	svc.On("Activate", mock.Anything, int64(9)).
		Return(nil, &services.ImportError{Code: services.CodeInvalidStatus, Message: "Session 9 is approved"})

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/imports/9/activate", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestReject(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "tenant-1")

	svc.On("GetSession", mock.Anything, int64(10)).Return(testSession(10, models.StatusWaitingColumnSelection), nil)
	svc.On("Reject", mock.Anything, int64(10), "wrong supplier").Return(testSession(10, models.StatusRejected), nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/imports/10/reject", bytes.NewBufferString(`{"reason":"wrong supplier"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestReject_WithoutBody(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "tenant-1")

	svc.On("GetSession", mock.Anything, int64(11)).Return(testSession(11, models.StatusApproved), nil)
	svc.On("Reject", mock.Anything, int64(11), "").Return(testSession(11, models.StatusRejected), nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/imports/11/reject", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListStuckSessions_FiltersTenant(t *testing.T) {
	svc := new(MockImportService)
	router := setupRouter(svc, "tenant-1")

	startedAt := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	mine := testSession(1, models.StatusAnalyzingEAN)
	mine.EANAnalysisAt = &startedAt
	theirs := testSession(2, models.StatusAnalyzingEAN)
	theirs.TenantID = "tenant-2"
	theirs.EANAnalysisAt = &startedAt

	svc.On("ListStuckSessions", mock.Anything).Return([]services.StuckSession{
		{Session: *mine, StuckFor: 12 * time.Minute},
		{Session: *theirs, StuckFor: 12 * time.Minute},
	}, nil)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/imports/stuck", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data []StuckSessionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, int64(1), resp.Data[0].SessionID)
	assert.Equal(t, int64(720), resp.Data[0].StuckForSeconds)
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusForCode(services.CodeValidation))
	assert.Equal(t, http.StatusNotFound, StatusForCode(services.CodeSessionNotFound))
	assert.Equal(t, http.StatusConflict, StatusForCode(services.CodeInvalidStatus))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusForCode(services.CodeNoCandidateColumn))
	assert.Equal(t, http.StatusBadGateway, StatusForCode(services.CodeStorage))
	assert.Equal(t, http.StatusInternalServerError, StatusForCode(services.CodeProcessing))
}
