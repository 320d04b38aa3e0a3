package join

import (
	"context"
	"time"

	"fwdfleet/internal/common"
	"fwdfleet/models"
	"fwdfleet/pkg/telegram/runtime"
	"fwdfleet/pkg/telegram/tgclient"
)

// LinkInfo: что известно о чате по ссылке без вступления.
// Chat.ID нулевой, если приглашение ведёт в чат, где аккаунта ещё нет.
type LinkInfo struct {
	Link   string         `json:"link"`
	Chat   *tgclient.Chat `json:"chat,omitempty"`
	Member bool           `json:"member"`
	Reason models.Reason  `json:"error,omitempty"`
}

// PreviewDelay: пауза между ссылками предпросмотра, 0.3-0.8 секунды.
func PreviewDelay() time.Duration {
	return common.Jitter(550*time.Millisecond, 250*time.Millisecond, 300*time.Millisecond)
}

// Preview определяет чаты по ссылкам, не вступая в них. Выполняется на исполнителе
// аккаунта под его блокировкой. Фатальная ошибка аккаунта помечает оставшиеся ссылки batch_error.
func (e *Engine) Preview(ctx context.Context, h *runtime.Handle, links []string) []LinkInfo {
	infos := make([]LinkInfo, 0, len(links))
	log := e.log.With().Str("phone", h.Phone).Logger()

	unlock, err := h.Lock(ctx)
	if err != nil {
		return previewRest(infos, links, 0, models.ReasonShutdown)
	}
	defer unlock()

	if err := e.accounts.Connect(ctx, h); err != nil {
		log.Warn().Err(err).Msg("link preview aborted on connect")
		return previewRest(infos, links, 0, models.ReasonBatchError)
	}
	conn := h.Conn()

	for i, link := range links {
		if ctx.Err() != nil || h.Stopping() {
			return previewRest(infos, links, i, models.ReasonShutdown)
		}
		info, fatal := e.inspect(ctx, conn, link)
		if fatal != nil {
			if fatal.Kind != tgclient.KindCanceled {
				e.accounts.Fail(ctx, h, *fatal)
			}
			log.Error().Err(fatal.Err).Str("reason", string(fatal.Reason())).Msg("link preview aborted")
			infos = append(infos, LinkInfo{Link: link, Reason: fatal.Reason()})
			return previewRest(infos, links, i+1, models.ReasonBatchError)
		}
		infos = append(infos, info)
		if i < len(links)-1 {
			_ = e.opts.Sleep(ctx, e.opts.PreviewDelay())
		}
	}
	log.Info().Int("links", len(links)).Msg("link preview finished")
	return infos
}

func (e *Engine) inspect(ctx context.Context, conn runtime.Conn, link string) (LinkInfo, *tgclient.Failure) {
	info := LinkInfo{Link: link}
	jl := tgclient.ParseJoinLink(link)
	switch jl.Kind {
	case tgclient.LinkInvite:
		inv, err := conn.CheckInvite(ctx, jl.Value)
		if err != nil {
			return previewError(info, err)
		}
		info.Member = inv.Already
		if inv.Chat != nil {
			info.Chat = inv.Chat
		} else {
			info.Chat = &tgclient.Chat{Title: inv.Title}
		}
		return info, nil

	case tgclient.LinkPublic:
		chat, err := conn.ResolveTarget(ctx, jl.Value)
		if err != nil {
			return previewError(info, err)
		}
		info.Chat = &chat
		return info, nil
	}

	info.Reason = models.ReasonInvalidLink
	return info, nil
}

// previewError сводит ошибку к причине по ссылке так же, как при вступлении.
func previewError(info LinkInfo, err error) (LinkInfo, *tgclient.Failure) {
	out, fatal := classify(err)
	if fatal != nil {
		return info, fatal
	}
	switch out.Status {
	case models.OutcomeFloodWait:
		info.Reason = models.ReasonRateLimited
	case models.OutcomeAlreadyMember:
		info.Member = true
	default:
		info.Reason = out.Reason
	}
	return info, nil
}

func previewRest(infos []LinkInfo, links []string, from int, reason models.Reason) []LinkInfo {
	for _, link := range links[from:] {
		infos = append(infos, LinkInfo{Link: link, Reason: reason})
	}
	return infos
}
