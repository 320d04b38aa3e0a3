package joins

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"fwdfleet/internal/httputil"
	"fwdfleet/pkg/telegram/join"
	"fwdfleet/pkg/telegram/runtime"
)

type Runtime interface {
	Acquire(ctx context.Context, phone string) (*runtime.Handle, error)
}

type Joiner interface {
	Run(ctx context.Context, h *runtime.Handle, req join.Request) join.Result
	Preview(ctx context.Context, h *runtime.Handle, links []string) []join.LinkInfo
}

type Handler struct {
	Runtime  Runtime
	Joiner   Joiner
	MaxLinks int
	Log      zerolog.Logger
}

func NewHandler(rt Runtime, joiner Joiner, log zerolog.Logger) *Handler {
	return &Handler{Runtime: rt, Joiner: joiner, MaxLinks: 100, Log: log.With().Str("component", "http_joins").Logger()}
}

// Join вступает аккаунтом в чаты по ссылкам и возвращает исход по каждой ссылке.
func (h *Handler) Join(c *gin.Context) {
	var req join.Request
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Links) == 0 {
		httputil.RespondError(c, http.StatusBadRequest, "Invalid data")
		return
	}
	if len(req.Links) > h.MaxLinks {
		httputil.RespondError(c, http.StatusBadRequest, "Too many links")
		return
	}

	phone := c.Param("phone")
	ctx := c.Request.Context()
	handle, err := h.Runtime.Acquire(ctx, phone)
	if err != nil {
		httputil.RespondRuntimeError(c, err)
		return
	}
	var res join.Result
	err = handle.Do(ctx, func(opCtx context.Context) error {
		res = h.Joiner.Run(opCtx, handle, req)
		return nil
	})
	if err != nil {
		h.Log.Warn().Err(err).Str("phone", phone).Msg("join batch not executed")
		httputil.RespondRuntimeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res, "outcomes": res.Outcomes()})
}

// Preview показывает, куда ведут ссылки, не вступая в чаты.
func (h *Handler) Preview(c *gin.Context) {
	var req struct {
		Links []string `json:"links"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Links) == 0 {
		httputil.RespondError(c, http.StatusBadRequest, "Invalid data")
		return
	}
	if len(req.Links) > h.MaxLinks {
		httputil.RespondError(c, http.StatusBadRequest, "Too many links")
		return
	}

	phone := c.Param("phone")
	ctx := c.Request.Context()
	handle, err := h.Runtime.Acquire(ctx, phone)
	if err != nil {
		httputil.RespondRuntimeError(c, err)
		return
	}
	var infos []join.LinkInfo
	err = handle.Do(ctx, func(opCtx context.Context) error {
		infos = h.Joiner.Preview(opCtx, handle, req.Links)
		return nil
	})
	if err != nil {
		h.Log.Warn().Err(err).Str("phone", phone).Msg("link preview not executed")
		httputil.RespondRuntimeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": infos})
}
