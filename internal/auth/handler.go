package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"

	"fwdfleet/internal/httputil"
	"fwdfleet/pkg/telegram/authflow"
)

// Flows: шаги входа аккаунта. Реализуется *authflow.Service.
type Flows interface {
	Start(ctx context.Context, phone string, appID int, appHash string) authflow.Outcome
	SubmitCode(ctx context.Context, flowID, code string) (authflow.Outcome, error)
	SubmitPassword(ctx context.Context, flowID, password string) (authflow.Outcome, error)
	Cancel(ctx context.Context, flowID string) error
}

type FlowHandler struct {
	Flows Flows
}

func NewHandler(flows Flows) *FlowHandler {
	return &FlowHandler{Flows: flows}
}

// Start начинает вход и возвращает идентификатор попытки для следующих шагов.
func (h *FlowHandler) Start(c *gin.Context) {
	var input struct {
		Phone   string `json:"phone" binding:"required"`
		ApiID   int    `json:"api_id" binding:"required"`
		ApiHash string `json:"api_hash" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, "Invalid data")
		return
	}
	respond(c, h.Flows.Start(c.Request.Context(), input.Phone, input.ApiID, input.ApiHash), nil)
}

func (h *FlowHandler) Code(c *gin.Context) {
	var input struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, "Invalid code")
		return
	}
	out, err := h.Flows.SubmitCode(c.Request.Context(), c.Param("flow"), input.Code)
	respond(c, out, err)
}

func (h *FlowHandler) Password(c *gin.Context) {
	var input struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, "Invalid password")
		return
	}
	out, err := h.Flows.SubmitPassword(c.Request.Context(), c.Param("flow"), input.Password)
	respond(c, out, err)
}

func (h *FlowHandler) Cancel(c *gin.Context) {
	if err := h.Flows.Cancel(c.Request.Context(), c.Param("flow")); err != nil {
		respond(c, authflow.Outcome{}, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

// respond отдаёт исход шага. Ошибка входа тоже является исходом с причиной, поэтому 200.
func respond(c *gin.Context, out authflow.Outcome, err error) {
	switch {
	case errors.Is(err, authflow.ErrFlowNotFound):
		httputil.RespondError(c, http.StatusNotFound, "auth flow not found")
	case errors.Is(err, authflow.ErrWrongStep):
		httputil.RespondError(c, http.StatusConflict, "unexpected auth step")
	case err != nil:
		httputil.RespondError(c, http.StatusInternalServerError, "internal error")
	default:
		c.JSON(http.StatusOK, out)
	}
}
