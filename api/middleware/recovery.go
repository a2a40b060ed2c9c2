package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorLogger receives application errors for the categorised error log
type ErrorLogger interface {
	LogAppError(msg string, fields ...zap.Field)
}

// Recovery turns a handler panic into a 500 response. The panic is logged to
// log with its stack and, when errLog is set, to the error category.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recovery(log *zap.Logger, errLog ErrorLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			fields := []zap.Field{
				zap.Any("panic", rec),
				zap.String("method", c.Request.Method),
				zap.String("route", c.FullPath()),
				zap.String("path", c.Request.URL.Path),
			}
			log.Error("Panic recovered", append(fields, zap.Stack("stack"))...)
			if errLog != nil {
				errLog.LogAppError("Handler panic", fields...)
			}

			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}()
		c.Next()
	}
}
