package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/clinic_backend/utils"
)

// SessionMiddleware resolves the tenant and request identity from headers
// and stashes them in the request context. Every handler downstream reads
// the clinic id from context, never from the request directly.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clinicId := c.Request.Header.Get("X-Clinic-Id")
		if clinicId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "X-Clinic-Id header is required"})
			c.Abort()
			return
		}

		ctx := utils.SetClinicIdInContext(c.Request.Context(), clinicId)

		if token := c.Request.Header.Get("token"); token != "" {
			ctx = utils.SetTokenInContext(ctx, token)
		}
		if userName := c.Request.Header.Get("X-User-Name"); userName != "" {
			ctx = utils.SetUserNameInContext(ctx, userName)
		}

		correlationId := c.Request.Header.Get("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		c.Writer.Header().Set("X-Correlation-Id", correlationId)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
