// Package maintenance периодически проверяет авторизацию рабочих аккаунтов.
package maintenance

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"fwdfleet/models"
	"fwdfleet/pkg/telegram/runtime"
)

type Store interface {
	ListAccounts(ctx context.Context, statuses ...models.AccountStatus) ([]models.Account, error)
}

// Runtime: операции менеджера рантайма. Реализуется *runtime.Manager.
type Runtime interface {
	Acquire(ctx context.Context, phone string) (*runtime.Handle, error)
	ConnectIfNeeded(ctx context.Context, h *runtime.Handle) bool
}

// Flows сообщает, что для номера идёт вход и трогать его соединение нельзя.
type Flows interface {
	InProgress(phone string) bool
}

// Report: итог одной проверки.
type Report struct {
	Checked int `json:"checked"`
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
}

type Checker struct {
	store Store
	rt    Runtime
	flows Flows
	log   zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func New(store Store, rt Runtime, flows Flows, log zerolog.Logger) *Checker {
	return &Checker{
		store: store,
		rt:    rt,
		flows: flows,
		log:   log.With().Str("component", "auth_check").Logger(),
	}
}

// recoverable: аккаунт в error, который можно поднять переподключением.
// Испорченная сессия и бан ждут повторной авторизации оператором.
func recoverable(acc models.Account) bool {
	if acc.Status == models.AccountActive {
		return true
	}
	return acc.Status == models.AccountError && acc.LastError != nil &&
		*acc.LastError == string(models.ReasonConnection)
}

// Sweep ставит проверку соединения на исполнитель каждого подходящего аккаунта и не ждёт её.
func (c *Checker) Sweep(ctx context.Context) Report {
	var rep Report
	accounts, err := c.store.ListAccounts(ctx, models.AccountActive, models.AccountError)
	if err != nil {
		c.log.Error().Err(err).Msg("list accounts")
		return rep
	}
	for _, acc := range accounts {
		rep.Checked++
		if !recoverable(acc) || (c.flows != nil && c.flows.InProgress(acc.Phone)) {
			rep.Skipped++
			continue
		}
		h, err := c.rt.Acquire(ctx, acc.Phone)
		if err != nil {
			c.log.Warn().Err(err).Str("phone", acc.Phone).Msg("runtime unavailable")
			rep.Skipped++
			continue
		}
		err = h.Submit(func(opCtx context.Context) {
			unlock, err := h.Lock(opCtx)
			if err != nil {
				return
			}
			defer unlock()
			if !c.rt.ConnectIfNeeded(opCtx, h) {
				c.log.Warn().Str("phone", h.Phone).Msg("authorization check failed")
			}
		})
		if err != nil {
			c.log.Warn().Err(err).Str("phone", acc.Phone).Msg("check not queued")
			rep.Skipped++
			continue
		}
		rep.Queued++
	}
	c.log.Info().Int("checked", rep.Checked).Int("queued", rep.Queued).Int("skipped", rep.Skipped).Msg("authorization sweep")
	return rep
}

// Start запускает проверку по cron-выражению.
func (c *Checker) Start(ctx context.Context, spec string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return errors.New("auth check already started")
	}
	cr := cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)))
	if _, err := cr.AddFunc(spec, func() { c.Sweep(ctx) }); err != nil {
		return errors.Wrapf(err, "auth check schedule %q", spec)
	}
	cr.Start()
	c.cron = cr
	c.log.Info().Str("schedule", spec).Msg("auth check scheduled")
	return nil
}

// Stop останавливает cron и ждёт завершения идущей проверки.
func (c *Checker) Stop() {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()
	if cr != nil {
		<-cr.Stop().Done()
	}
}
