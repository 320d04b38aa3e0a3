// Package join вступает аккаунтом в чаты по списку ссылок.
package join

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fwdfleet/internal/common"
	"fwdfleet/models"
	"fwdfleet/pkg/telegram/runtime"
	"fwdfleet/pkg/telegram/tgclient"
)

type Store interface {
	AddGroupMembers(ctx context.Context, members []models.GroupMember) (int, error)
	LogEvent(ctx context.Context, event string, userID *int64, phone string, details any)
}

// Accounts: операции рантайма над аккаунтом. Реализуется *runtime.Manager.
type Accounts interface {
	Connect(ctx context.Context, h *runtime.Handle) error
	Fail(ctx context.Context, h *runtime.Handle, f tgclient.Failure)
}

type Options struct {
	// MaxFloodWait ограничивает паузу после FLOOD_WAIT.
	MaxFloodWait time.Duration
	Sleep        common.Sleeper
	Delay        func() time.Duration
	PreviewDelay func() time.Duration
}

type Engine struct {
	store    Store
	accounts Accounts
	opts     Options
	log      zerolog.Logger
}

func New(store Store, accounts Accounts, opts Options, log zerolog.Logger) *Engine {
	if opts.MaxFloodWait <= 0 {
		opts.MaxFloodWait = 90 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = common.Sleep
	}
	if opts.Delay == nil {
		opts.Delay = Delay
	}
	if opts.PreviewDelay == nil {
		opts.PreviewDelay = PreviewDelay
	}
	return &Engine{
		store:    store,
		accounts: accounts,
		opts:     opts,
		log:      log.With().Str("component", "join").Logger(),
	}
}

// Delay: пауза между вступлениями: 3±1 секунды, не меньше 0.5.
func Delay() time.Duration {
	return common.Jitter(3*time.Second, time.Second, 500*time.Millisecond)
}

// Request: пакет ссылок. Если задан GroupID, чаты, где аккаунт оказался, добавляются в группу получателей.
type Request struct {
	Links   []string `json:"links"`
	GroupID *int64   `json:"group_id"`
	OwnerID int64    `json:"owner_id"`
}

type LinkResult struct {
	Link    string         `json:"link"`
	Outcome models.Outcome `json:"outcome"`
}

// Result: исходы по ссылкам в порядке запроса. Reason задан при фатальной ошибке пакета.
type Result struct {
	RunID   string        `json:"run_id"`
	Links   []LinkResult  `json:"links"`
	Reason  models.Reason `json:"reason,omitempty"`
	Added   int           `json:"added"`
	Elapsed time.Duration `json:"-"`
}

// Outcomes: исходы в виде карты ссылка → код.
func (r Result) Outcomes() map[string]string {
	out := make(map[string]string, len(r.Links))
	for _, l := range r.Links {
		out[l.Link] = l.Outcome.Code()
	}
	return out
}

// Run выполняет пакет на исполнителе аккаунта под его блокировкой.
func (e *Engine) Run(ctx context.Context, h *runtime.Handle, req Request) Result {
	start := time.Now()
	res := Result{RunID: uuid.NewString(), Links: make([]LinkResult, 0, len(req.Links))}
	log := e.log.With().Str("phone", h.Phone).Str("run_id", res.RunID).Logger()

	unlock, err := h.Lock(ctx)
	if err != nil {
		res.Reason = models.ReasonShutdown
		e.rest(&res, req.Links, 0, models.ReasonShutdown)
		return res
	}
	defer unlock()

	if err := e.accounts.Connect(ctx, h); err != nil {
		res.Reason = tgclient.Classify(err).Reason()
		e.rest(&res, req.Links, 0, models.ReasonBatchError)
		log.Warn().Err(err).Msg("join batch aborted on connect")
		return res
	}
	conn := h.Conn()

	var joined []models.GroupMember
	for i, link := range req.Links {
		if ctx.Err() != nil || h.Stopping() {
			res.Reason = models.ReasonShutdown
			e.rest(&res, req.Links, i, models.ReasonShutdown)
			break
		}

		out, fatal := e.join(ctx, conn, link, log)
		if fatal != nil {
			if fatal.Kind != tgclient.KindCanceled {
				e.accounts.Fail(ctx, h, *fatal)
			}
			res.Reason = fatal.Reason()
			res.Links = append(res.Links, LinkResult{Link: link, Outcome: models.Failed(fatal.Reason())})
			e.rest(&res, req.Links, i+1, models.ReasonBatchError)
			log.Error().Err(fatal.Err).Str("reason", string(res.Reason)).Msg("join batch aborted")
			break
		}
		res.Links = append(res.Links, LinkResult{Link: link, Outcome: out})
		if out.Ok() && out.ChatID != 0 && req.GroupID != nil {
			m := models.GroupMember{ChatID: out.ChatID, OwnerID: req.OwnerID, GroupID: *req.GroupID}
			if out.Title != "" {
				title := out.Title
				m.Title = &title
			}
			l := link
			m.Link = &l
			joined = append(joined, m)
		}

		if out.Status == models.OutcomeFloodWait {
			wait := time.Duration(out.WaitSeconds)*time.Second + time.Duration(1+rand.Intn(3))*time.Second
			if wait > e.opts.MaxFloodWait {
				wait = e.opts.MaxFloodWait
			}
			log.Warn().Dur("wait", wait).Str("link", link).Msg("flood wait, pausing batch")
			if err := e.opts.Sleep(ctx, wait); err != nil {
				continue
			}
		} else if i < len(req.Links)-1 {
			_ = e.opts.Sleep(ctx, e.opts.Delay())
		}
	}

	if len(joined) > 0 {
		n, err := e.store.AddGroupMembers(ctx, joined)
		if err != nil {
			log.Error().Err(err).Msg("add joined chats to group")
		}
		res.Added = n
	}

	res.Elapsed = time.Since(start)
	e.store.LogEvent(ctx, models.EventJoinBatch, &req.OwnerID, h.Phone, res)
	log.Info().Int("links", len(req.Links)).Int("added", res.Added).
		Str("reason", string(res.Reason)).Dur("took", res.Elapsed).Msg("join batch finished")
	return res
}

// join обрабатывает одну ссылку. Непустой *Failure прерывает пакет.
func (e *Engine) join(ctx context.Context, conn runtime.Conn, link string, log zerolog.Logger) (models.Outcome, *tgclient.Failure) {
	jl := tgclient.ParseJoinLink(link)
	switch jl.Kind {
	case tgclient.LinkInvite:
		inv, err := conn.CheckInvite(ctx, jl.Value)
		if err != nil {
			return classify(err)
		}
		if inv.Already {
			out := models.AlreadyMember()
			if inv.Chat != nil {
				out.ChatID, out.Title = inv.Chat.ID, inv.Chat.Title
			}
			return out, nil
		}
		chat, err := conn.ImportInvite(ctx, jl.Value)
		if err != nil {
			out, fatal := classify(err)
			if out.Status == models.OutcomePending || out.Status == models.OutcomeAlreadyMember {
				out.Title = inv.Title
			}
			return out, fatal
		}
		out := models.Succeeded()
		out.Title = inv.Title
		if chat != nil {
			out.ChatID, out.Title = chat.ID, chat.Title
		}
		return out, nil

	case tgclient.LinkPublic:
		chat, err := conn.JoinPublic(ctx, jl.Value)
		if err != nil {
			return classify(err)
		}
		out := models.Succeeded()
		if chat != nil {
			out.ChatID, out.Title = chat.ID, chat.Title
		}
		return out, nil
	}

	log.Debug().Str("link", link).Msg("unrecognized link")
	return models.Failed(models.ReasonInvalidLink), nil
}

// classify переводит ошибку вступления в исход ссылки или фатальную ошибку пакета.
func classify(err error) (models.Outcome, *tgclient.Failure) {
	f := tgclient.Classify(err)
	switch {
	case f.Kind == tgclient.KindCanceled || f.Fatal():
		return models.Outcome{}, &f
	case f.Kind == tgclient.KindFloodWait:
		return models.FloodWait(int(f.Wait / time.Second)), nil
	case f.Kind == tgclient.KindAlreadyMember:
		return models.AlreadyMember(), nil
	case f.Kind == tgclient.KindPending:
		return models.Pending(), nil
	case f.Kind == tgclient.KindPermission:
		return models.Failed(models.ReasonRestricted), nil
	case f.Kind == tgclient.KindTargetInvalid:
		return models.Failed(models.ReasonUnresolved), nil
	case f.Kind == tgclient.KindUnknown:
		return models.Failed(models.ReasonUnknown), nil
	}
	return models.Failed(f.Reason()), nil
}

// rest помечает необработанные ссылки начиная с from.
func (e *Engine) rest(res *Result, links []string, from int, reason models.Reason) {
	for _, link := range links[from:] {
		res.Links = append(res.Links, LinkResult{Link: link, Outcome: models.Failed(reason)})
	}
}
