// Package scheduler опрашивает хранилище и раздаёт наступившие задания исполнителям аккаунтов.
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"fwdfleet/internal/common"
	"fwdfleet/models"
	"fwdfleet/pkg/telegram/forward"
	"fwdfleet/pkg/telegram/runtime"
	"fwdfleet/pkg/telegram/tgclient"
)

type Store interface {
	DueJobs(ctx context.Context, now time.Time) ([]models.Job, error)
	RecordJobRun(ctx context.Context, run models.JobRun) error
	DueAdminTasks(ctx context.Context, now time.Time) ([]models.AdminTask, error)
	RecordAdminTaskRun(ctx context.Context, id int64, ranAt time.Time, next *time.Time, lastError *string) error
	LogEvent(ctx context.Context, event string, userID *int64, phone string, details any)
}

// Runtime: операции менеджера рантайма. Реализуется *runtime.Manager.
type Runtime interface {
	Acquire(ctx context.Context, phone string) (*runtime.Handle, error)
	Connect(ctx context.Context, h *runtime.Handle) error
	Fail(ctx context.Context, h *runtime.Handle, f tgclient.Failure)
}

// Forwarder выполняет задание на исполнителе аккаунта. Реализуется *forward.Engine.
type Forwarder interface {
	Run(ctx context.Context, h *runtime.Handle, job models.Job) forward.Result
}

type Options struct {
	Interval   time.Duration
	MinSleep   time.Duration
	StartDelay time.Duration
	Now        func() time.Time
	Sleep      common.Sleeper
}

type Scheduler struct {
	store   Store
	rt      Runtime
	forward Forwarder
	opts    Options
	parser  cron.Parser
	log     zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(store Store, rt Runtime, fwd Forwarder, opts Options, log zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.MinSleep <= 0 {
		opts.MinSleep = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = common.Sleep
	}
	return &Scheduler{
		store:    store,
		rt:       rt,
		forward:  fwd,
		opts:     opts,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		log:      log.With().Str("component", "scheduler").Logger(),
		inflight: make(map[string]struct{}),
	}
}

// Run крутит цикл опроса до отмены контекста.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.opts.Interval).Msg("scheduler started")
	if err := s.opts.Sleep(ctx, s.opts.StartDelay); err != nil {
		return nil
	}
	for {
		start := s.opts.Now()
		jobs, tasks := s.Tick(ctx)

		elapsed := s.opts.Now().Sub(start)
		wait := s.opts.Interval - elapsed
		if wait < s.opts.MinSleep {
			wait = s.opts.MinSleep
		}
		s.log.Debug().Int("jobs", jobs).Int("admin_tasks", tasks).Dur("elapsed", elapsed).Dur("next", wait).Msg("tick done")
		if err := s.opts.Sleep(ctx, wait); err != nil {
			s.log.Info().Msg("scheduler stopped")
			return nil
		}
	}
}

// Tick выполняет один проход и возвращает число отправленных исполнителям заданий и служебных задач.
func (s *Scheduler) Tick(ctx context.Context) (jobs, tasks int) {
	now := s.opts.Now()

	due, err := s.store.DueJobs(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("due jobs")
	}
	for _, job := range due {
		if ctx.Err() != nil {
			return jobs, tasks
		}
		// Выборка могла устареть, пока шёл проход.
		if !job.IsDue(now) {
			s.log.Debug().Str("job", job.Key()).Msg("job is not due")
			continue
		}
		if s.dispatchJob(ctx, now, job) {
			jobs++
		}
	}

	adminTasks, err := s.store.DueAdminTasks(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("due admin tasks")
	}
	for _, task := range adminTasks {
		if ctx.Err() != nil {
			return jobs, tasks
		}
		if s.dispatchAdminTask(ctx, now, task) {
			tasks++
		}
	}
	return jobs, tasks
}

// claim отмечает задание поставленным в очередь. Повторно оно не ставится, пока не выполнится.
func (s *Scheduler) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) done(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *Scheduler) dispatchJob(ctx context.Context, now time.Time, job models.Job) bool {
	key := "job:" + job.Key()
	log := s.log.With().Str("job", job.Key()).Logger()
	if !s.claim(key) {
		log.Debug().Msg("previous run still in flight")
		return false
	}

	h, err := s.rt.Acquire(ctx, job.Phone)
	if err != nil {
		s.done(key)
		log.Warn().Err(err).Msg("runtime unavailable, run skipped")
		s.skip(ctx, now, job)
		return false
	}

	err = h.Submit(func(opCtx context.Context) {
		defer s.done(key)
		if runtime.Dropped(opCtx) {
			log.Warn().Msg("runtime stopped before the run started")
			return
		}
		s.forward.Run(opCtx, h, job)
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, runtime.ErrStopped):
		s.done(key)
		log.Warn().Msg("runtime stopped, run skipped")
		s.skip(ctx, now, job)
	default:
		s.done(key)
		log.Warn().Err(err).Msg("job not queued")
	}
	return false
}

// skip засчитывает запуск без отправки, чтобы сломанный аккаунт не опрашивался каждый проход.
func (s *Scheduler) skip(ctx context.Context, now time.Time, job models.Job) {
	reason := string(models.ReasonRuntimeSkipped)
	run := models.JobRun{
		RunID:     uuid.NewString(),
		ClientID:  job.ClientID,
		Phone:     job.Phone,
		StartedAt: now,
		LastError: &reason,
	}
	if err := s.store.RecordJobRun(ctx, run); err != nil {
		s.log.Error().Err(err).Str("job", job.Key()).Msg("record skipped run")
	}
}

// NextRun вычисляет следующий запуск по cron-выражению.
func (s *Scheduler) NextRun(schedule string, after time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(schedule)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse schedule %q", schedule)
	}
	return sched.Next(after), nil
}

func (s *Scheduler) dispatchAdminTask(ctx context.Context, now time.Time, task models.AdminTask) bool {
	log := s.log.With().Int64("admin_task", task.ID).Str("phone", task.AccountPhone).Logger()

	next, err := s.NextRun(task.Schedule, now)
	if err != nil {
		log.Error().Err(err).Msg("invalid schedule, task disabled")
		reason := "invalid_schedule"
		s.recordTask(ctx, task.ID, now, nil, &reason)
		return false
	}

	key := "admin:" + strconv.FormatInt(task.ID, 10)
	if !s.claim(key) {
		return false
	}

	h, err := s.rt.Acquire(ctx, task.AccountPhone)
	if err != nil {
		s.done(key)
		log.Warn().Err(err).Msg("runtime unavailable, admin task postponed")
		s.recordTask(ctx, task.ID, now, &next, nil)
		return false
	}

	err = h.Submit(func(opCtx context.Context) {
		defer s.done(key)
		var lastError *string
		if reason := s.sendAdminText(opCtx, h, task); reason != "" {
			if reason == models.ReasonShutdown {
				return
			}
			r := string(reason)
			lastError = &r
		}
		s.recordTask(opCtx, task.ID, now, &next, lastError)
		s.store.LogEvent(opCtx, models.EventAdminTaskRun, task.CreatedBy, task.AccountPhone, map[string]any{
			"task_id":    task.ID,
			"target":     task.Target,
			"last_error": lastError,
		})
	})
	if err != nil {
		s.done(key)
		log.Warn().Err(err).Msg("admin task not queued")
		return false
	}
	return true
}

// sendAdminText отправляет текст служебной задачи. Пустая причина означает успех.
func (s *Scheduler) sendAdminText(ctx context.Context, h *runtime.Handle, task models.AdminTask) models.Reason {
	unlock, err := h.Lock(ctx)
	if err != nil {
		return models.ReasonShutdown
	}
	defer unlock()

	if err := s.rt.Connect(ctx, h); err != nil {
		f := tgclient.Classify(err)
		if f.Kind == tgclient.KindCanceled {
			return models.ReasonShutdown
		}
		return f.Reason()
	}
	conn := h.Conn()
	target, err := conn.ResolveTarget(ctx, task.Target)
	if err == nil {
		err = conn.SendText(ctx, target, task.Message)
	}
	if err != nil {
		f := tgclient.Classify(err)
		switch {
		case f.Kind == tgclient.KindCanceled:
			return models.ReasonShutdown
		case f.Fatal():
			s.rt.Fail(ctx, h, f)
		}
		s.log.Warn().Err(err).Int64("admin_task", task.ID).Msg("admin task send failed")
		return f.Reason()
	}
	s.log.Info().Int64("admin_task", task.ID).Str("target", task.Target).Msg("admin task sent")
	return ""
}

func (s *Scheduler) recordTask(ctx context.Context, id int64, ranAt time.Time, next *time.Time, lastError *string) {
	if err := s.store.RecordAdminTaskRun(ctx, id, ranAt, next, lastError); err != nil {
		s.log.Error().Err(err).Int64("admin_task", id).Msg("record admin task run")
	}
}
