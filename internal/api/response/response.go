// Package response maps service errors onto HTTP answers.
package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/liliang-cn/askgen/internal/domain"
)

// Status returns the HTTP status code for err
func Status(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrSlotBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Error aborts the request with an {"error": ...} body
func Error(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(Status(err), gin.H{"error": err.Error()})
}
