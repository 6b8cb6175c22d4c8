package middleware

import "github.com/gin-gonic/gin"

// NoStore forbids any caching of the response. Exam-mode status must always
// come from the authority.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}
