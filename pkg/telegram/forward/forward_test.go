package forward_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"fwdfleet/models"
	"fwdfleet/pkg/telegram/forward"
	"fwdfleet/pkg/telegram/runtime"
	"fwdfleet/pkg/telegram/runtime/runtimetest"
	"fwdfleet/pkg/telegram/tgclient"
)

const (
	phone        = "+10000000001"
	primaryLink  = "https://t.me/source_chan/10"
	fallbackLink = "https://t.me/source_chan/11"
)

type env struct {
	store  *runtimetest.Store
	conn   *runtimetest.Conn
	mgr    *runtime.Manager
	engine *forward.Engine
	sleeps []time.Duration
	clock  time.Time
	// ctx подменяет контекст операции исполнителя.
	ctx context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store: runtimetest.NewStore(runtimetest.ActiveAccount(phone)),
		conn: &runtimetest.Conn{Messages: map[string]*tgclient.Message{
			primaryLink:  {ID: 10, HasMedia: true},
			fallbackLink: {ID: 11},
		}},
		clock: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	var (
		calls int
		mu    sync.Mutex
	)
	e.mgr = runtime.NewManager(e.store, runtimetest.Factory(map[string]*runtimetest.Conn{phone: e.conn}, &calls, &mu),
		runtime.Options{Grace: 50 * time.Millisecond}, zerolog.Nop())
	t.Cleanup(func() { e.mgr.Shutdown(context.Background()) })

	e.engine = forward.New(e.store, e.mgr, forward.Options{
		MaxFloodWait: time.Minute,
		Sleep: func(_ context.Context, d time.Duration) error {
			e.sleeps = append(e.sleeps, d)
			return nil
		},
		Now:   func() time.Time { return e.clock },
		Delay: func(int) time.Duration { return time.Millisecond },
	}, zerolog.Nop())
	return e
}

func (e *env) run(t *testing.T, job models.Job) forward.Result {
	t.Helper()
	h, err := e.mgr.Acquire(context.Background(), phone)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	var res forward.Result
	if err := h.Do(context.Background(), func(opCtx context.Context) error {
		ctx := opCtx
		if e.ctx != nil {
			ctx = e.ctx
		}
		res = e.engine.Run(ctx, h, job)
		return nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	return res
}

func groupJob(groupID int64, fallback bool) models.Job {
	link := primaryLink
	job := models.Job{ClientID: 7, Phone: phone, MessageLink: &link, GroupID: &groupID, Status: models.JobActive}
	if fallback {
		fl := fallbackLink
		job.FallbackLink = &fl
	}
	return job
}

func TestZeroDestinationsCompletesWithoutError(t *testing.T) {
	e := newEnv(t)
	e.store.Groups[1] = nil

	res := e.run(t, groupJob(1, false))

	if res.Reason != "" || res.LastError != nil {
		t.Fatalf("пустая группа не ошибка: reason=%q last_error=%v", res.Reason, res.LastError)
	}
	runs := e.store.RunsSnapshot()
	if len(runs) != 1 || runs[0].Sent != 0 || runs[0].LastError != nil {
		t.Fatalf("ожидали одну запись без отправок, получили %+v", runs)
	}
}

func TestMediaForbiddenUsesFallbackAndContinues(t *testing.T) {
	e := newEnv(t)
	e.store.Groups[1] = []int64{-1, -2, -3}
	e.conn.ForwardFunc = func(to tgclient.Chat, msg *tgclient.Message) error {
		if to.ID == -2 && msg.ID == 10 {
			return tgerr.New(400, "CHAT_SEND_MEDIA_FORBIDDEN")
		}
		return nil
	}

	res := e.run(t, groupJob(1, true))

	if res.Sent != 3 || res.LastError != nil {
		t.Fatalf("ожидали 3 доставки без ошибки, получили sent=%d last_error=%v", res.Sent, res.LastError)
	}
	if !res.Outcomes[1].UsedFallback || res.Outcomes[0].UsedFallback {
		t.Fatalf("запасное сообщение должно использоваться только для второго чата: %+v", res.Outcomes)
	}
	got := e.conn.ForwardedTo()
	if len(got) != 3 || got[0] != -1 || got[1] != -2 || got[2] != -3 {
		t.Fatalf("неожиданный порядок доставки: %v", got)
	}
	if e.conn.Forwards[1].MessageID != 11 {
		t.Fatalf("во второй чат должно уйти запасное сообщение")
	}
}

func TestMediaForbiddenWithoutFallbackIsTransient(t *testing.T) {
	e := newEnv(t)
	e.store.Groups[1] = []int64{-1, -2}
	e.conn.ForwardFunc = func(to tgclient.Chat, _ *tgclient.Message) error {
		if to.ID == -1 {
			return tgerr.New(400, "CHAT_SEND_MEDIA_FORBIDDEN")
		}
		return nil
	}

	res := e.run(t, groupJob(1, false))

	if res.Sent != 1 || res.LastError != nil {
		t.Fatalf("временная ошибка при успешной доставке не пишется в last_error: %+v", res)
	}
	if res.Outcomes[0].Code() != "failed(media_forbidden)" {
		t.Fatalf("got %s", res.Outcomes[0].Code())
	}
}

func TestPermanentFailureIsRecordedAfterProgress(t *testing.T) {
	e := newEnv(t)
	e.store.Groups[1] = []int64{-1, -2, -3}
	e.conn.ForwardFunc = func(to tgclient.Chat, _ *tgclient.Message) error {
		if to.ID == -2 {
			return tgerr.New(403, "CHAT_WRITE_FORBIDDEN")
		}
		return nil
	}

	res := e.run(t, groupJob(1, false))

	if res.Sent != 2 {
		t.Fatalf("ожидали 2 доставки, получили %d", res.Sent)
	}
	if res.LastError == nil || *res.LastError != string(models.ReasonPermission) {
		t.Fatalf("ожидали permission_denied, получили %v", res.LastError)
	}
}

func TestFloodWaitRetriesSameDestination(t *testing.T) {
	e := newEnv(t)
	e.store.Groups[1] = []int64{-1, -2, -3}
	flooded := false
	e.conn.ForwardFunc = func(to tgclient.Chat, _ *tgclient.Message) error {
		if to.ID == -2 && !flooded {
			flooded = true
			return tgerr.New(420, "FLOOD_WAIT_30")
		}
		return nil
	}

	res := e.run(t, groupJob(1, false))

	if res.Sent != 3 || res.LastError != nil {
		t.Fatalf("после ожидания все чаты должны получить сообщение: %+v", res)
	}
	got := e.conn.ForwardedTo()
	if len(got) != 3 || got[1] != -2 {
		t.Fatalf("после ожидания повторяется тот же чат: %v", got)
	}
	var waited bool
	for _, d := range e.sleeps {
		if d == 30*time.Second {
			waited = true
		}
	}
	if !waited {
		t.Fatalf("ожидали паузу 30s, были %v", e.sleeps)
	}
}

func TestFloodWaitOverLimitAbortsRun(t *testing.T) {
	e := newEnv(t)
	e.store.Groups[1] = []int64{-1, -2}
	e.conn.ForwardFunc = func(tgclient.Chat, *tgclient.Message) error {
		return tgerr.New(420, "FLOOD_WAIT_3600")
	}

	res := e.run(t, groupJob(1, false))

	if res.Reason != models.ReasonRateLimited || len(e.conn.Forwards) != 0 {
		t.Fatalf("длинный флуд прерывает запуск: %+v", res)
	}
	if store := e.store.Status(phone); store != models.AccountActive {
		t.Fatalf("флуд не переводит аккаунт в error: %s", store)
	}
}

func TestInvalidSessionAbortsRemainingDestinations(t *testing.T) {
	e := newEnv(t)
	e.store.Groups[1] = []int64{-1, -2, -3}
	e.conn.ForwardFunc = func(to tgclient.Chat, _ *tgclient.Message) error {
		if to.ID == -2 {
			return tgerr.New(401, "AUTH_KEY_UNREGISTERED")
		}
		return nil
	}

	res := e.run(t, groupJob(1, false))

	if res.Reason != models.ReasonSessionInvalid {
		t.Fatalf("ожидали session_invalid, получили %q", res.Reason)
	}
	if got := e.conn.ForwardedTo(); len(got) != 1 || got[0] != -1 {
		t.Fatalf("после фатальной ошибки чаты не обходятся: %v", got)
	}
	if e.store.Status(phone) != models.AccountError || e.store.HasSession(phone) {
		t.Fatalf("аккаунт должен перейти в error с удалённой сессией")
	}
	runs := e.store.RunsSnapshot()
	if len(runs) != 1 || runs[0].Sent != 1 || *runs[0].LastError != string(models.ReasonSessionInvalid) {
		t.Fatalf("итог прерванного запуска записывается: %+v", runs)
	}
}

func TestConfigurationErrorsSkipProtocol(t *testing.T) {
	e := newEnv(t)
	link := primaryLink
	job := models.Job{ClientID: 7, Phone: phone, MessageLink: &link, Status: models.JobActive}

	res := e.run(t, job)
	if res.Reason != models.ReasonNoDestination {
		t.Fatalf("ожидали no_destination, получили %q", res.Reason)
	}

	res = e.run(t, groupJob(42, false))
	if res.Reason != models.ReasonGroupMissing {
		t.Fatalf("ожидали destination_group_missing, получили %q", res.Reason)
	}

	bad := "not a link"
	job = groupJob(1, false)
	job.MessageLink = &bad
	res = e.run(t, job)
	if res.Reason != models.ReasonPrimaryInvalid {
		t.Fatalf("ожидали primary_message_invalid, получили %q", res.Reason)
	}
	if len(e.conn.Forwards) != 0 {
		t.Fatalf("при ошибке настройки ничего не отправляется")
	}
}

func TestUnavailablePrimaryMessageAborts(t *testing.T) {
	e := newEnv(t)
	e.store.Groups[1] = []int64{-1}
	delete(e.conn.Messages, primaryLink)

	res := e.run(t, groupJob(1, false))
	if res.Reason != models.ReasonPrimaryInvalid || len(e.conn.Forwards) != 0 {
		t.Fatalf("без основного сообщения запуск прерывается: %+v", res)
	}
}

func TestUnavailableFallbackIsNotFatal(t *testing.T) {
	e := newEnv(t)
	e.store.Groups[1] = []int64{-1}
	delete(e.conn.Messages, fallbackLink)

	res := e.run(t, groupJob(1, true))
	if res.Sent != 1 || res.Reason != "" {
		t.Fatalf("недоступное запасное сообщение не мешает запуску: %+v", res)
	}
}

func TestSendToAllUsesJoinedChats(t *testing.T) {
	e := newEnv(t)
	e.conn.Chats = []tgclient.Chat{{ID: -100, Title: "a"}, {ID: -200, Title: "b"}}
	link := primaryLink
	job := models.Job{ClientID: 7, Phone: phone, MessageLink: &link, SendToAll: true, Status: models.JobActive}

	res := e.run(t, job)
	if res.Targets != 2 || res.Sent != 2 {
		t.Fatalf("ожидали доставку во все чаты аккаунта: %+v", res)
	}
	if res.Outcomes[1].Title != "b" {
		t.Fatalf("в результате сохраняется название чата: %+v", res.Outcomes[1])
	}
}

func TestHardCancelSkipsWriteBack(t *testing.T) {
	e := newEnv(t)
	e.store.Groups[1] = []int64{-1, -2}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.engine = forward.New(e.store, e.mgr, forward.Options{
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
		Delay: func(int) time.Duration { return time.Second },
	}, zerolog.Nop())

	e.ctx = ctx
	res := e.run(t, groupJob(1, false))

	if res.Written || len(e.store.RunsSnapshot()) != 0 {
		t.Fatalf("отменённый запуск не пишет итог: %+v", res)
	}
}

func TestLastRunIsMonotonic(t *testing.T) {
	e := newEnv(t)
	e.store.Groups[1] = []int64{-1}

	e.run(t, groupJob(1, false))
	e.clock = e.clock.Add(5 * time.Minute)
	e.run(t, groupJob(1, false))

	runs := e.store.RunsSnapshot()
	if len(runs) != 2 || runs[1].StartedAt.Before(runs[0].StartedAt) {
		t.Fatalf("время запуска не убывает: %+v", runs)
	}
}

func TestMissingSourceMessageAbortsRun(t *testing.T) {
	e := newEnv(t)
	e.store.Groups[1] = []int64{-1, -2, -3, -4}
	attempts := 0
	e.conn.ForwardFunc = func(tgclient.Chat, *tgclient.Message) error {
		attempts++
		return tgerr.New(400, "MESSAGE_ID_INVALID")
	}

	res := e.run(t, groupJob(1, false))

	if attempts != 1 {
		t.Fatalf("удалённое исходное сообщение прерывает обход, попыток: %d", attempts)
	}
	if res.Reason != models.ReasonSourceInvalid {
		t.Fatalf("ожидали source_message_invalid, получили %q", res.Reason)
	}
	runs := e.store.RunsSnapshot()
	if len(runs) != 1 || runs[0].LastError == nil || *runs[0].LastError != string(models.ReasonSourceInvalid) {
		t.Fatalf("прерванный запуск записывается с причиной: %+v", runs)
	}
	if e.store.Status(phone) != models.AccountActive {
		t.Fatalf("ошибка источника не меняет статус аккаунта")
	}
}

func TestPanicDuringRunIsRecordedAsInternalError(t *testing.T) {
	e := newEnv(t)
	e.store.Groups[1] = []int64{-1, -2}
	e.conn.ForwardFunc = func(to tgclient.Chat, _ *tgclient.Message) error {
		if to.ID == -2 {
			panic("boom")
		}
		return nil
	}

	res := e.run(t, groupJob(1, false))

	if res.Reason != models.ReasonInternal || !res.Written {
		t.Fatalf("паника завершает запуск с internal_error: %+v", res)
	}
	runs := e.store.RunsSnapshot()
	if len(runs) != 1 || runs[0].Sent != 1 || runs[0].LastError == nil || *runs[0].LastError != string(models.ReasonInternal) {
		t.Fatalf("итог запуска с паникой записывается: %+v", runs)
	}
}
