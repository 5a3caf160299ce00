package middleware

import (
	"fmt"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/apierr"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.WithFields(log.Fields{
					"request_id": c.GetString(ContextRequestID),
					"path":       c.Request.URL.Path,
				}).Errorf("panic recovered: %v", err)

				status, body := apierr.Response(fmt.Errorf("panic: %v", err))
				c.AbortWithStatusJSON(status, body)
			}
		}()
		c.Next()
	}
}
