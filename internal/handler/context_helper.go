package handler

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/image-attribute-api/pkg/errors"
)

// parseFlag reads a boolean query parameter. Only 1, true, on and yes
// (any case) count as true.
func parseFlag(c *gin.Context, name string) bool {
	switch strings.ToLower(strings.TrimSpace(c.Query(name))) {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}

func imageIDParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, appErrors.WithField(appErrors.Clone(appErrors.ErrValidation, "invalid image id"), "id")
	}
	return id, nil
}
