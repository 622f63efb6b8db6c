package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ean-import-service/internal/models"
)

// TenantMiddleware extracts tenant ID from headers
// NOTE: First checks if tenant_id was already set by IstioAuth middleware
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetString("tenant_id")
		if tenantID == "" {
			tenantID = c.GetHeader("X-Tenant-ID")
		}

		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{
				Success: false,
				Error: models.Error{
					Code:    "VALIDATION_ERROR",
					Message: "X-Tenant-ID header is required",
					Field:   "X-Tenant-ID",
				},
			})
			return
		}

		c.Set("tenant_id", tenantID)
		c.Next()
	}
}
