package internal

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spotthebot/internal/fault"
)

// logAction writes an audit line for something a player did.
func logAction(c *gin.Context, actorID int64, action string, fields ...zap.Field) {
	reqLog(c).Info("audit", append([]zap.Field{
		zap.Int64("actor_id", actorID),
		zap.String("action", action),
	}, fields...)...)
}

// fail answers with the status matching the class of err.
func fail(c *gin.Context, err error) {
	switch {
	case fault.IsErrNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case fault.IsErrInvalid(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case fault.IsErrExists(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case fault.IsErrUnavailable(err):
		reqLog(c).Warn("store unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store busy, try again"})
	default:
		reqLog(c).Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// queryInt reads a non-negative integer query parameter, capped at max.
func queryInt(c *gin.Context, name string, def, max int) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad " + name})
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad id"})
		return 0, false
	}
	return id, true
}
