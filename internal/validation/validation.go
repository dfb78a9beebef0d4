// Package validation provides input validation helpers for the API.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// userIDRegex validates user identifiers: lowercase alphanumeric with
// underscores and hyphens, 3-64 chars.
var userIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,63}$`)

var ErrInvalidUserID = errors.New("validation: user id must be 3-64 lowercase alphanumeric characters")

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks if a string is a well-formed user identifier.
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// ValidUserID returns ErrInvalidUserID for malformed identifiers.
func ValidUserID(id string) error {
	if !IsValidUserID(id) {
		return ErrInvalidUserID
	}
	return nil
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// UserIDParamMiddleware validates the :id URL parameter on routes that
// use it. Apply to route groups with user-scoped paths to reject
// malformed identifiers early.
func UserIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidUserID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "user id must be 3-64 lowercase alphanumeric characters",
			})
			return
		}
		c.Next()
	}
}

// ValidAmount checks if a value is a valid positive decimal amount.
func ValidAmount(value string) bool {
	if value == "" {
		return false
	}
	decimalCount := 0
	hasNonZero := false
	for i, c := range value {
		if c == '.' {
			decimalCount++
			if decimalCount > 1 {
				return false
			}
			if i == 0 || i == len(value)-1 {
				return false
			}
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
		if c != '0' {
			hasNonZero = true
		}
	}
	return hasNonZero
}
