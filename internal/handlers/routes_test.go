package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ean-import-service/internal/middleware"
	"ean-import-service/internal/models"
)

// denyPermission mirrors the shape of the RBAC middleware rejecting a caller
func denyPermission(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, models.ErrorResponse{
		Success: false,
		Error:   models.Error{Code: "FORBIDDEN", Message: "Insufficient permissions"},
	})
}

func allowPermission(c *gin.Context) {
	c.Next()
}

func setupGuardedRouter(svc *MockImportService, importGuard, readGuard gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	router := gin.New()
	handler := NewImportHandler(svc, logger, 1024)
	handler.RegisterRoutes(router.Group("/api/v1"), RouteGuards{
		Import:   []gin.HandlerFunc{middleware.TenantMiddleware(), importGuard},
		Read:     []gin.HandlerFunc{middleware.TenantMiddleware(), readGuard},
		Internal: []gin.HandlerFunc{importGuard},
	})
	return router
}

func TestRoutes_DeniedPermissionNeverReachesService(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"create", http.MethodPost, "/api/v1/imports", ""},
		{"get", http.MethodGet, "/api/v1/imports/9", ""},
		{"stuck", http.MethodGet, "/api/v1/imports/stuck", ""},
		{"trigger", http.MethodPost, "/api/v1/imports/analysis/trigger", ""},
		{"select column", http.MethodPost, "/api/v1/imports/9/column", `{"columnName":"ean"}`},
		{"convert", http.MethodPost, "/api/v1/imports/9/convert", ""},
		{"activate", http.MethodPost, "/api/v1/imports/9/activate", ""},
		{"reject", http.MethodPost, "/api/v1/imports/9/reject", `{"reason":"no"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockImportService)
			router := setupGuardedRouter(svc, denyPermission, denyPermission)

			req, _ := http.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			req.Header.Set("X-Tenant-ID", "tenant-1")
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusForbidden, w.Code)

			var resp models.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "FORBIDDEN", resp.Error.Code)

			assert.Empty(t, svc.Calls)
		})
	}
}

func TestRoutes_MissingTenantStopsBeforePermission(t *testing.T) {
	svc := new(MockImportService)
	permissionRan := false
	guard := func(c *gin.Context) {
		permissionRan = true
		c.Next()
	}
	router := setupGuardedRouter(svc, guard, guard)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/imports/9/activate", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, permissionRan)
	assert.Empty(t, svc.Calls)
}

func TestRoutes_AllowedPermissionReachesHandler(t *testing.T) {
	svc := new(MockImportService)
	router := setupGuardedRouter(svc, allowPermission, allowPermission)

	svc.On("GetSession", mock.Anything, int64(9)).Return(testSession(9, models.StatusApproved), nil)
	svc.On("Activate", mock.Anything, int64(9)).Return(testSession(9, models.StatusActivated), nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/imports/9/activate", nil)
	req.Header.Set("X-Tenant-ID", "tenant-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}
