// Package forward выполняет одно задание пересылки под блокировкой аккаунта.
package forward

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fwdfleet/internal/common"
	"fwdfleet/models"
	"fwdfleet/pkg/storage"
	"fwdfleet/pkg/telegram/runtime"
	"fwdfleet/pkg/telegram/tgclient"
)

// Повторов одного чата после ожидания флуда.
const maxFloodRetries = 3

type Store interface {
	GroupChatIDs(ctx context.Context, groupID int64) ([]int64, error)
	RecordJobRun(ctx context.Context, run models.JobRun) error
	LogEvent(ctx context.Context, event string, userID *int64, phone string, details any)
}

// Accounts: операции рантайма над аккаунтом. Реализуется *runtime.Manager.
type Accounts interface {
	Connect(ctx context.Context, h *runtime.Handle) error
	Fail(ctx context.Context, h *runtime.Handle, f tgclient.Failure)
}

type Options struct {
	// MaxFloodWait: дольше этого не ждём: запуск прерывается с rate_limited.
	MaxFloodWait time.Duration
	Sleep        common.Sleeper
	Now          func() time.Time
	// Delay: пауза между чатами; по умолчанию зависит от их числа.
	Delay func(targets int) time.Duration
}

type Engine struct {
	store    Store
	accounts Accounts
	opts     Options
	log      zerolog.Logger
}

func New(store Store, accounts Accounts, opts Options, log zerolog.Logger) *Engine {
	if opts.MaxFloodWait <= 0 {
		opts.MaxFloodWait = 15 * time.Minute
	}
	if opts.Sleep == nil {
		opts.Sleep = common.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Delay == nil {
		opts.Delay = Delay
	}
	return &Engine{
		store:    store,
		accounts: accounts,
		opts:     opts,
		log:      log.With().Str("component", "forward").Logger(),
	}
}

// Delay: пауза между чатами: 60/n секунд в пределах [0.8; 5] с разбросом ±0.3, не меньше 0.2.
func Delay(targets int) time.Duration {
	if targets <= 0 {
		targets = 1
	}
	base := common.Clamp(time.Minute/time.Duration(targets), 800*time.Millisecond, 5*time.Second)
	return common.Jitter(base, 300*time.Millisecond, 200*time.Millisecond)
}

// Result: итог запуска. Reason заполнен, если запуск прерван целиком.
// Written=false означает, что итог не записан: запуск отменён жёсткой остановкой.
type Result struct {
	RunID     string           `json:"run_id"`
	Targets   int              `json:"targets"`
	Sent      int              `json:"sent"`
	Outcomes  []models.Outcome `json:"outcomes"`
	Reason    models.Reason    `json:"reason,omitempty"`
	LastError *string          `json:"last_error"`
	Written   bool             `json:"written"`
}

type run struct {
	*Engine
	h       *runtime.Handle
	job     models.Job
	log     zerolog.Logger
	res     Result
	started time.Time
}

// errCanceled: жёсткая отмена, итог не записывается.
var errCanceled = errors.New("run canceled")

// Run выполняет задание. Вызывается на исполнителе аккаунта задания.
func (e *Engine) Run(ctx context.Context, h *runtime.Handle, job models.Job) Result {
	r := &run{
		Engine:  e,
		h:       h,
		job:     job,
		res:     Result{RunID: uuid.NewString()},
		started: e.opts.Now(),
	}
	r.log = e.log.With().Str("job", job.Key()).Str("run_id", r.res.RunID).Logger()

	unlock, err := h.Lock(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("account lock not acquired")
		return r.res
	}
	defer unlock()

	if err := r.protect(ctx); errors.Is(err, errCanceled) {
		r.log.Warn().Int("sent", r.res.Sent).Msg("run canceled, result not recorded")
		return r.res
	}
	r.finish(ctx)
	return r.res
}

// protect превращает панику внутри запуска в прерывание с internal_error,
// чтобы итог всё равно был записан и задание не перезапускалось каждый проход.
func (r *run) protect(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("panic", fmt.Sprint(p)).Bytes("stack", debug.Stack()).Msg("job run panicked")
			err = r.abort(models.ReasonInternal)
		}
	}()
	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) error {
	if reason := r.configError(); reason != "" {
		return r.abort(reason)
	}

	if err := r.accounts.Connect(ctx, r.h); err != nil {
		f := tgclient.Classify(err)
		if f.Kind == tgclient.KindCanceled || ctx.Err() != nil {
			return errCanceled
		}
		// Статус аккаунта уже отражён рантаймом.
		return r.abort(f.Reason())
	}
	conn := r.h.Conn()

	primary, err := conn.ResolveMessage(ctx, *r.job.MessageLink)
	if err != nil {
		if err := r.fatal(ctx, err); err != nil {
			return err
		}
		r.log.Warn().Err(err).Msg("primary message unavailable")
		return r.abort(models.ReasonPrimaryInvalid)
	}

	var fallback *tgclient.Message
	if r.job.FallbackLink != nil {
		fallback, err = conn.ResolveMessage(ctx, *r.job.FallbackLink)
		if err != nil {
			if err := r.fatal(ctx, err); err != nil {
				return err
			}
			r.log.Warn().Err(err).Msg("fallback message unavailable for this run")
			fallback = nil
		}
	}

	targets, err := r.destinations(ctx, conn)
	if err != nil {
		return err
	}
	r.res.Targets = len(targets)
	if len(targets) == 0 {
		r.log.Info().Msg("no destinations")
		return nil
	}

	delay := r.opts.Delay(len(targets))
	for i, target := range targets {
		if ctx.Err() != nil {
			return errCanceled
		}
		if r.h.Stopping() {
			return r.abort(models.ReasonShutdown)
		}

		out, err := r.deliver(ctx, conn, target, primary, fallback)
		if err != nil {
			return err
		}
		r.res.Outcomes = append(r.res.Outcomes, out)
		if out.Ok() {
			r.res.Sent++
		}

		if i < len(targets)-1 {
			if err := r.opts.Sleep(ctx, delay); err != nil {
				return errCanceled
			}
		}
	}
	return nil
}

// configError проверяет задание до любого обращения к Telegram.
func (r *run) configError() models.Reason {
	if r.job.MessageLink == nil {
		return models.ReasonPrimaryInvalid
	}
	if _, err := tgclient.ParseMessageLink(*r.job.MessageLink); err != nil {
		return models.ReasonPrimaryInvalid
	}
	if !r.job.HasDestination() {
		return models.ReasonNoDestination
	}
	return ""
}

type target struct {
	id   int64
	chat *tgclient.Chat
}

func (r *run) destinations(ctx context.Context, conn runtime.Conn) ([]target, error) {
	if r.job.SendToAll {
		chats, err := conn.JoinedChats(ctx)
		if err != nil {
			if err := r.fatal(ctx, err); err != nil {
				return nil, err
			}
			r.log.Error().Err(err).Msg("list joined chats")
			return nil, r.abort(tgclient.Classify(err).Reason())
		}
		out := make([]target, 0, len(chats))
		for i := range chats {
			out = append(out, target{id: chats[i].ID, chat: &chats[i]})
		}
		return out, nil
	}

	ids, err := r.store.GroupChatIDs(ctx, *r.job.GroupID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, r.abort(models.ReasonGroupMissing)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, errCanceled
		}
		r.log.Error().Err(err).Msg("destination group")
		return nil, r.abort(models.ReasonInternal)
	}
	out := make([]target, 0, len(ids))
	for _, id := range ids {
		out = append(out, target{id: id})
	}
	return out, nil
}

// deliver пересылает сообщение в один чат. Ошибка означает прерывание всего запуска.
func (r *run) deliver(ctx context.Context, conn runtime.Conn, t target, primary, fallback *tgclient.Message) (models.Outcome, error) {
	if t.chat == nil {
		chat, err := conn.ResolveChat(ctx, t.id)
		if err != nil {
			if err := r.fatal(ctx, err); err != nil {
				return models.Outcome{}, err
			}
			out := models.Failed(tgclient.Classify(err).Reason())
			out.ChatID = t.id
			return out, nil
		}
		t.chat = &chat
	}

	msg := primary
	floods := 0
	for {
		err := conn.Forward(ctx, *t.chat, msg)
		if err == nil {
			out := models.Succeeded()
			out.UsedFallback = msg != primary
			return r.outcome(out, t), nil
		}

		f := tgclient.Classify(err)
		switch {
		case f.Kind == tgclient.KindCanceled || ctx.Err() != nil:
			return models.Outcome{}, errCanceled
		case f.Fatal():
			return models.Outcome{}, r.fail(ctx, f)
		case f.Kind == tgclient.KindFloodWait:
			if f.Wait > r.opts.MaxFloodWait {
				r.log.Warn().Dur("wait", f.Wait).Msg("flood wait exceeds limit")
				return models.Outcome{}, r.abort(models.ReasonRateLimited)
			}
			floods++
			if floods > maxFloodRetries {
				return r.outcome(models.FloodWait(int(f.Wait/time.Second)), t), nil
			}
			r.log.Warn().Dur("wait", f.Wait).Int64("chat_id", t.chat.ID).Msg("flood wait")
			if err := r.opts.Sleep(ctx, f.Wait); err != nil {
				return models.Outcome{}, errCanceled
			}
		case f.Kind == tgclient.KindMediaForbidden && fallback != nil && msg != fallback:
			r.log.Debug().Int64("chat_id", t.chat.ID).Msg("media forbidden, using fallback")
			msg = fallback
		case f.Kind == tgclient.KindSourceInvalid:
			r.log.Warn().Err(err).Int64("chat_id", t.chat.ID).Msg("source message is gone, run aborted")
			return models.Outcome{}, r.abort(models.ReasonSourceInvalid)
		default:
			r.log.Warn().Err(err).Int64("chat_id", t.chat.ID).Str("reason", string(f.Reason())).Msg("forward failed")
			out := models.Failed(f.Reason())
			out.UsedFallback = msg != primary
			return r.outcome(out, t), nil
		}
	}
}

func (r *run) outcome(out models.Outcome, t target) models.Outcome {
	out.ChatID = t.id
	if t.chat != nil {
		out.Title = t.chat.Title
	}
	return out
}

// fatal возвращает ошибку прерывания, если err отменяет запуск или выводит аккаунт из строя.
func (r *run) fatal(ctx context.Context, err error) error {
	f := tgclient.Classify(err)
	if f.Kind == tgclient.KindCanceled || ctx.Err() != nil {
		return errCanceled
	}
	if f.Fatal() {
		return r.fail(ctx, f)
	}
	return nil
}

func (r *run) fail(ctx context.Context, f tgclient.Failure) error {
	r.accounts.Fail(ctx, r.h, f)
	return r.abort(f.Reason())
}

func (r *run) abort(reason models.Reason) error {
	r.res.Reason = reason
	return errors.Errorf("run aborted: %s", reason)
}

// lastError: причина прерывания, иначе первая устойчивая ошибка по чату.
// Временные ошибки попадают в last_error, только если не доставлено ни одного сообщения.
func (r *run) lastError() *string {
	if r.res.Reason != "" {
		s := string(r.res.Reason)
		return &s
	}
	var transient *string
	for _, out := range r.res.Outcomes {
		if out.Ok() {
			continue
		}
		s := string(out.Reason)
		if !out.Transient() {
			return &s
		}
		if transient == nil {
			transient = &s
		}
	}
	if r.res.Sent == 0 {
		return transient
	}
	return nil
}

func (r *run) finish(ctx context.Context) {
	r.res.LastError = r.lastError()
	rec := models.JobRun{
		RunID:     r.res.RunID,
		ClientID:  r.job.ClientID,
		Phone:     r.job.Phone,
		StartedAt: r.opts.Now(),
		Targets:   r.res.Targets,
		Sent:      r.res.Sent,
		LastError: r.res.LastError,
	}
	if err := r.store.RecordJobRun(ctx, rec); err != nil {
		r.log.Error().Err(err).Msg("record job run")
	} else {
		r.res.Written = true
	}
	r.store.LogEvent(ctx, models.EventJobRun, &r.job.ClientID, r.job.Phone, r.res)

	ev := r.log.Info()
	if r.res.LastError != nil {
		ev = r.log.Warn().Str("last_error", *r.res.LastError)
	}
	ev.Int("targets", r.res.Targets).Int("sent", r.res.Sent).
		Dur("took", r.opts.Now().Sub(r.started)).Msg("job run finished")
}
