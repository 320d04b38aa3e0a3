package jobs

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/rs/zerolog"

	"fwdfleet/internal/httputil"
	"fwdfleet/models"
	"fwdfleet/pkg/storage"
	"fwdfleet/pkg/telegram/forward"
	"fwdfleet/pkg/telegram/runtime"
)

type Store interface {
	GetClient(ctx context.Context, userID int64) (*models.Client, error)
	SaveJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, clientID int64, phone string) (*models.Job, error)
	LogEvent(ctx context.Context, event string, userID *int64, phone string, details any)
}

type Runtime interface {
	Acquire(ctx context.Context, phone string) (*runtime.Handle, error)
}

type Forwarder interface {
	Run(ctx context.Context, h *runtime.Handle, job models.Job) forward.Result
}

type Handler struct {
	Store     Store
	Runtime   Runtime
	Forwarder Forwarder
	Log       zerolog.Logger
}

func NewHandler(store Store, rt Runtime, fwd Forwarder, log zerolog.Logger) *Handler {
	return &Handler{Store: store, Runtime: rt, Forwarder: fwd, Log: log.With().Str("component", "http_jobs").Logger()}
}

func jobKey(c *gin.Context) (int64, string, bool) {
	clientID, err := strconv.ParseInt(c.Param("client"), 10, 64)
	if err != nil {
		httputil.RespondError(c, http.StatusBadRequest, "Invalid client ID")
		return 0, "", false
	}
	return clientID, c.Param("phone"), true
}

func (h *Handler) Get(c *gin.Context) {
	clientID, phone, ok := jobKey(c)
	if !ok {
		return
	}
	job, err := h.Store.GetJob(c.Request.Context(), clientID, phone)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.RespondError(c, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.Log.Error().Err(err).Msg("get job")
		httputil.RespondError(c, http.StatusInternalServerError, "DB error")
		return
	}
	c.JSON(http.StatusOK, job)
}

// Save принимает черновик целиком. Активное задание без обязательных полей отклоняется
// со списком недостающих полей.
func (h *Handler) Save(c *gin.Context) {
	clientID, phone, ok := jobKey(c)
	if !ok {
		return
	}
	var draft models.JobDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		httputil.RespondError(c, http.StatusBadRequest, "Invalid data")
		return
	}
	if draft.Status != "" && draft.Status != models.JobActive && draft.Status != models.JobInactive {
		httputil.RespondError(c, http.StatusBadRequest, "Invalid status")
		return
	}

	client, err := h.Store.GetClient(c.Request.Context(), clientID)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.RespondError(c, http.StatusNotFound, "client not found")
		return
	}
	if err != nil {
		h.Log.Error().Err(err).Int64("client", clientID).Msg("get client")
		httputil.RespondError(c, http.StatusInternalServerError, "DB error")
		return
	}
	job := draft.Job(clientID, phone)
	// Истёкшая подписка не мешает сохранить черновик, но задание не включается.
	if job.Status == models.JobActive && !client.Active(time.Now()) {
		httputil.RespondError(c, http.StatusForbidden, "subscription expired")
		return
	}

	err = h.Store.SaveJob(c.Request.Context(), job)
	var invalid *models.ValidationError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "job is incomplete", "missing": invalid.Missing})
		return
	}
	if err != nil {
		h.Log.Error().Err(err).Str("job", job.Key()).Msg("save job")
		httputil.RespondError(c, http.StatusInternalServerError, "DB error")
		return
	}
	h.Store.LogEvent(c.Request.Context(), models.EventJobSaved, &clientID, phone, gin.H{"status": job.Status})
	c.JSON(http.StatusOK, job)
}

// Run запускает задание вне расписания на исполнителе аккаунта и ждёт итога.
func (h *Handler) Run(c *gin.Context) {
	clientID, phone, ok := jobKey(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	job, err := h.Store.GetJob(ctx, clientID, phone)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.RespondError(c, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.Log.Error().Err(err).Msg("get job")
		httputil.RespondError(c, http.StatusInternalServerError, "DB error")
		return
	}

	handle, err := h.Runtime.Acquire(ctx, phone)
	if err != nil {
		httputil.RespondRuntimeError(c, err)
		return
	}
	var res forward.Result
	err = handle.Do(ctx, func(opCtx context.Context) error {
		res = h.Forwarder.Run(opCtx, handle, *job)
		return nil
	})
	if err != nil {
		httputil.RespondRuntimeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
