package httputil

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"

	"fwdfleet/pkg/telegram/runtime"
)

// RespondError отправляет сообщение об ошибке в едином формате и прекращает обработку запроса.
// Наружу уходят только фиксированные сообщения, текст внутренних ошибок остаётся в логах.
func RespondError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// RespondRuntimeError переводит ошибки рантайма аккаунта в HTTP-ответ.
func RespondRuntimeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, runtime.ErrNotFound):
		RespondError(c, http.StatusNotFound, "account unavailable")
	case errors.Is(err, runtime.ErrBusy):
		RespondError(c, http.StatusTooManyRequests, "account is busy")
	case errors.Is(err, runtime.ErrStopped), errors.Is(err, runtime.ErrClosed):
		RespondError(c, http.StatusServiceUnavailable, "account runtime stopped")
	default:
		RespondError(c, http.StatusInternalServerError, "internal error")
	}
}
