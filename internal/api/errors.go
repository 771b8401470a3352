package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"cube-engine/internal/auth"
	"cube-engine/internal/common"
	"cube-engine/internal/storage/batch"
)

// statusFor maps an error kind to the HTTP status reported for it
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, batch.ErrEpochNotFound):
		return http.StatusNotFound
	}

	switch common.CodeOf(err) {
	case common.ErrInvalidInput, common.ErrInvalidExpression,
		common.ErrUnknownField, common.ErrInvalidHierarchyLevel, common.ErrEmptySelect,
		common.ErrDuplicateName, common.ErrUnknownDependency, common.ErrCyclicDependency:
		return http.StatusBadRequest
	case common.ErrSchemaMismatch:
		return http.StatusConflict
	case common.ErrExecutionFailure, common.ErrCacheComputeFailure, common.ErrSourceFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// abort writes err as the response body with its mapped status
func abort(c *gin.Context, message string, err error) {
	body := gin.H{
		"error":   message,
		"details": err.Error(),
	}
	var cubeErr *common.CubeError
	if errors.As(err, &cubeErr) {
		body["code"] = cubeErr.Code.String()
	}
	c.AbortWithStatusJSON(statusFor(err), body)
}
