package accounts

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/rs/zerolog"

	"fwdfleet/internal/httputil"
	"fwdfleet/models"
	"fwdfleet/pkg/storage"
	"fwdfleet/pkg/telegram/maintenance"
	"fwdfleet/pkg/telegram/runtime"
	"fwdfleet/pkg/telegram/tgclient"
)

type Store interface {
	ListAccounts(ctx context.Context, statuses ...models.AccountStatus) ([]models.Account, error)
	LogEvent(ctx context.Context, event string, userID *int64, phone string, details any)
}

// Runtime: операции менеджера рантайма над аккаунтами. Реализуется *runtime.Manager.
type Runtime interface {
	Disable(ctx context.Context, phone string) error
	Enable(ctx context.Context, phone string) (*runtime.Handle, error)
	Remove(ctx context.Context, phone string) error
	WithAccount(ctx context.Context, phone string, fn func(ctx context.Context, conn runtime.Conn) error) error
}

type Checker interface {
	Sweep(ctx context.Context) maintenance.Report
}

type Handler struct {
	Store   Store
	Runtime Runtime
	Checker Checker
	Log     zerolog.Logger
}

func NewHandler(store Store, rt Runtime, checker Checker, log zerolog.Logger) *Handler {
	return &Handler{Store: store, Runtime: rt, Checker: checker, Log: log.With().Str("component", "http_accounts").Logger()}
}

func (h *Handler) List(c *gin.Context) {
	var statuses []models.AccountStatus
	if s := c.Query("status"); s != "" {
		statuses = append(statuses, models.AccountStatus(s))
	}
	list, err := h.Store.ListAccounts(c.Request.Context(), statuses...)
	if err != nil {
		h.Log.Error().Err(err).Msg("list accounts")
		httputil.RespondError(c, http.StatusInternalServerError, "DB error")
		return
	}
	if list == nil {
		list = []models.Account{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) Remove(c *gin.Context) {
	phone := c.Param("phone")
	err := h.Runtime.Remove(c.Request.Context(), phone)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.RespondError(c, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.Log.Error().Err(err).Str("phone", phone).Msg("remove account")
		httputil.RespondError(c, http.StatusInternalServerError, "DB error")
		return
	}
	h.Store.LogEvent(c.Request.Context(), models.EventAccountDrop, nil, phone, gin.H{"by": c.GetString("operator")})
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (h *Handler) Enable(c *gin.Context) {
	phone := c.Param("phone")
	if _, err := h.Runtime.Enable(c.Request.Context(), phone); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.RespondError(c, http.StatusNotFound, "account not found")
			return
		}
		h.Log.Error().Err(err).Str("phone", phone).Msg("enable account")
		httputil.RespondRuntimeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.AccountInitializing})
}

func (h *Handler) Disable(c *gin.Context) {
	phone := c.Param("phone")
	if err := h.Runtime.Disable(c.Request.Context(), phone); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.RespondError(c, http.StatusNotFound, "account not found")
			return
		}
		h.Log.Error().Err(err).Str("phone", phone).Msg("disable account")
		httputil.RespondError(c, http.StatusInternalServerError, "DB error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.AccountInactive})
}

// Chats возвращает группы и каналы, в которых состоит аккаунт.
func (h *Handler) Chats(c *gin.Context) {
	phone := c.Param("phone")
	var chats []tgclient.Chat
	err := h.Runtime.WithAccount(c.Request.Context(), phone, func(ctx context.Context, conn runtime.Conn) error {
		var err error
		chats, err = conn.JoinedChats(ctx)
		return err
	})
	if err != nil {
		h.respondTelegram(c, phone, err)
		return
	}
	if chats == nil {
		chats = []tgclient.Chat{}
	}
	c.JSON(http.StatusOK, chats)
}

// MessageAccess проверяет, может ли аккаунт прочитать сообщение по ссылке.
func (h *Handler) MessageAccess(c *gin.Context) {
	phone := c.Param("phone")
	var input struct {
		Link string `json:"link" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, "Invalid data")
		return
	}
	if _, err := tgclient.ParseMessageLink(input.Link); err != nil {
		c.JSON(http.StatusOK, gin.H{"accessible": false, "reason": models.ReasonInvalidLink})
		return
	}
	err := h.Runtime.WithAccount(c.Request.Context(), phone, func(ctx context.Context, conn runtime.Conn) error {
		_, err := conn.ResolveMessage(ctx, input.Link)
		return err
	})
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"accessible": true})
		return
	}
	f := tgclient.Classify(err)
	if isRuntimeErr(err) || f.Fatal() {
		h.respondTelegram(c, phone, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accessible": false, "reason": f.Reason()})
}

// Check запускает внеочередную проверку авторизации аккаунтов.
func (h *Handler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, h.Checker.Sweep(c.Request.Context()))
}

func isRuntimeErr(err error) bool {
	return errors.Is(err, runtime.ErrNotFound) || errors.Is(err, runtime.ErrBusy) ||
		errors.Is(err, runtime.ErrStopped) || errors.Is(err, runtime.ErrClosed)
}

func (h *Handler) respondTelegram(c *gin.Context, phone string, err error) {
	if isRuntimeErr(err) {
		httputil.RespondRuntimeError(c, err)
		return
	}
	f := tgclient.Classify(err)
	h.Log.Warn().Err(err).Str("phone", phone).Str("reason", string(f.Reason())).Msg("telegram request failed")
	c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "telegram request failed", "reason": f.Reason()})
}
