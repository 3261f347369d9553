package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Jochemderoos/workx-assistant/pkg/logger"
)

// 统一响应辅助, 所有 handler 共用。

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": data})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": message}})
}

func conflict(c *gin.Context, code, message string) {
	c.JSON(http.StatusConflict, gin.H{"success": false, "error": gin.H{"code": code, "message": message}})
}

func serverError(c *gin.Context, err error) {
	logger.Error("gateway: internal error",
		logger.FieldPath, c.Request.URL.Path,
		logger.FieldError, err,
	)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": gin.H{"code": "internal_error", "message": "internal error"}})
}
